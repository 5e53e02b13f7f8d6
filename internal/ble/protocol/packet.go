// Package protocol implements the ASCII "KEY:VALUE" frame format spoken by the
// UVSC charging/sanitation controller over its BLE notify characteristic.
package protocol

import "strings"

// Kind classifies a decoded frame by its protocol tag.
type Kind uint8

const (
	// KindRaw is any frame whose key is not in the known tag table.
	KindRaw Kind = iota
	// KindChargeStatus carries the ACS charge/mode status (also the ACK for SetMode).
	KindChargeStatus
	// KindRecentUV carries the ACHT most recent sanitation time.
	KindRecentUV
	// KindUVSummary carries the ACHS "time,result,expected" summary.
	KindUVSummary
	// KindHistory carries one ACH "index,date,time" history row.
	KindHistory
	// KindClock carries the UVTime device clock (also the ACK for SetClock).
	KindClock
)

// Protocol tags.
const (
	KeyChargeStatus = "ACS"
	KeyRecentUV     = "ACHT"
	KeyUVSummary    = "ACHS"
	KeyHistory      = "ACH"
	KeyClock        = "UVTime"
)

var kindByKey = map[string]Kind{
	KeyChargeStatus: KindChargeStatus,
	KeyRecentUV:     KindRecentUV,
	KeyUVSummary:    KindUVSummary,
	KeyHistory:      KindHistory,
	KeyClock:        KindClock,
}

func (k Kind) String() string {
	switch k {
	case KindChargeStatus:
		return "charge-status"
	case KindRecentUV:
		return "recent-uv"
	case KindUVSummary:
		return "uv-summary"
	case KindHistory:
		return "history"
	case KindClock:
		return "clock"
	default:
		return "raw"
	}
}

// KindOf returns the Kind for a protocol tag. Unknown tags are KindRaw.
func KindOf(key string) Kind {
	if k, ok := kindByKey[key]; ok {
		return k
	}
	return KindRaw
}

// Packet is one decoded notification frame. Packets are comparable, so two
// frames are equal exactly when kind, key and value match.
type Packet struct {
	Kind  Kind
	Key   string
	Value string
}

// Decode parses one ASCII notification frame. It never fails: a frame without
// a colon decodes to an empty raw packet. Only the first colon separates key
// from value; known tags have surrounding whitespace trimmed from the value,
// raw packets keep it verbatim. An ACH row that does not parse as a history
// entry decodes to a raw packet with the trimmed value.
func Decode(frame string) Packet {
	key, value, ok := strings.Cut(frame, ":")
	if !ok {
		return Packet{Kind: KindRaw}
	}
	kind := KindOf(key)
	if kind == KindRaw {
		return Packet{Kind: KindRaw, Key: key, Value: value}
	}
	p := Packet{Kind: kind, Key: key, Value: strings.TrimSpace(value)}
	if kind == KindHistory {
		if _, err := ParseHistory(p); err != nil {
			p.Kind = KindRaw
		}
	}
	return p
}

// DecodeBytes validates and decodes a raw notification payload. The second
// return value is false when the payload is not printable ASCII and should be
// dropped.
func DecodeBytes(data []byte) (Packet, bool) {
	if !IsPureASCIIText(data) {
		return Packet{}, false
	}
	return Decode(string(data)), true
}

// Fields splits a comma-joined value and trims each field.
func (p Packet) Fields() []string {
	parts := strings.Split(p.Value, ",")
	for i, s := range parts {
		parts[i] = strings.TrimSpace(s)
	}
	return parts
}

func (p Packet) String() string {
	return p.Key + ":" + p.Value
}

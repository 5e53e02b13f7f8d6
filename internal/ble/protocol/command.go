package protocol

import (
	"fmt"
	"time"
)

// ClockLayout is the UVTime value format.
const ClockLayout = "2006-01-02 15:04:05"

// Mode is an ACS mode code accepted by the controller.
type Mode string

const (
	ModeCharge    Mode = "100"
	ModeChargeOff Mode = "200"
)

// ParseMode maps an operator-facing name ("charge", "off") or a raw code to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "charge", "on", string(ModeCharge):
		return ModeCharge, nil
	case "off", string(ModeChargeOff):
		return ModeChargeOff, nil
	}
	return "", fmt.Errorf("protocol: unknown mode %q", s)
}

// Command is an outbound frame. The device acknowledges a command by echoing
// a frame with the same key and value.
type Command struct {
	Key   string
	Value string
}

// SetClock sets the device clock.
func SetClock(t time.Time) Command {
	return Command{Key: KeyClock, Value: t.Format(ClockLayout)}
}

// SetMode switches charging on or off.
func SetMode(m Mode) Command {
	return Command{Key: KeyChargeStatus, Value: string(m)}
}

// Frame returns the wire text "KEY:VALUE".
func (c Command) Frame() string {
	return c.Key + ":" + c.Value
}

// Encode returns the ASCII wire bytes for c.
func Encode(c Command) []byte {
	return []byte(c.Frame())
}

// Acknowledged reports whether p is the device's echo of c.
func (c Command) Acknowledged(p Packet) bool {
	return p.Key == c.Key && p.Value == c.Value
}

func (c Command) String() string {
	return c.Frame()
}

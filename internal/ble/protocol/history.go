package protocol

import (
	"fmt"
	"strconv"
)

// HistoryEntry is one ACH row, e.g. "ACH:2,1970-01-01,13349".
type HistoryEntry struct {
	Index int
	Date  string
	Time  string
}

// ParseHistory extracts the history row carried by an ACH packet.
func ParseHistory(p Packet) (HistoryEntry, error) {
	if p.Kind != KindHistory {
		return HistoryEntry{}, fmt.Errorf("protocol: %s packet is not a history row", p.Kind)
	}
	fields := p.Fields()
	if len(fields) < 3 {
		return HistoryEntry{}, fmt.Errorf("protocol: history row %q has %d fields, want 3", p.Value, len(fields))
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("protocol: history index: %w", err)
	}
	return HistoryEntry{Index: index, Date: fields[1], Time: fields[2]}, nil
}

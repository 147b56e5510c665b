// Package trace records every fragment and exchange of a session as an
// append-only CBOR sequence and reads it back for offline inspection.
package trace

import (
	"fmt"
	"strings"
	"time"
)

// Layer tells which part of the protocol stack produced an event.
type Layer uint8

const (
	// LayerFragment is one raw notification or write.
	LayerFragment Layer = 0
	// LayerExchange is the outcome of a command/response pair.
	LayerExchange Layer = 1
)

func (l Layer) String() string {
	switch l {
	case LayerFragment:
		return "FRAGMENT"
	case LayerExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// Event is one trace record. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time     `cbor:"1,keyasint"`
	SessionID string        `cbor:"2,keyasint"`
	Direction string        `cbor:"3,keyasint,omitempty"`
	Layer     Layer         `cbor:"4,keyasint"`
	CommandID uint16        `cbor:"5,keyasint,omitempty"`
	Fragment  []byte        `cbor:"6,keyasint,omitempty"`
	Status    uint8         `cbor:"7,keyasint,omitempty"`
	Elapsed   time.Duration `cbor:"8,keyasint,omitempty"`
	Error     string        `cbor:"9,keyasint,omitempty"`
}

// String renders the event as one line for trace-dump.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-8s", e.Timestamp.Format(time.RFC3339Nano), shortID(e.SessionID), e.Layer)
	switch e.Layer {
	case LayerFragment:
		fmt.Fprintf(&b, " %-3s % X", e.Direction, e.Fragment)
	case LayerExchange:
		fmt.Fprintf(&b, " cmd=%d status=0x%02X elapsed=%s", e.CommandID, e.Status, e.Elapsed)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

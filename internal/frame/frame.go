// Package frame implements the Madoka BLE message codec: 20-byte fragments,
// reassembly of notification streams, integrity checks and TLV parameter bodies.
//
// Logical message layout:
//
//	length(1) status(1) command_id(2, big endian) params... [checksum trailer]
//
// The length byte counts the whole logical message including itself and any
// checksum trailer. On the wire a message is split into fragments of
// index(1) + up to 19 body bytes. The fragment count is derived from the length
// byte carried by the first fragment; the fragment with index count-1 is the
// terminator.
package frame

import (
	"errors"
	"fmt"
)

const (
	// MTU is the largest characteristic write/notify payload the unit accepts.
	MTU = 20
	// BodySize is the number of message bytes carried by one fragment.
	BodySize = MTU - 1

	headerSize     = 4
	maxMessageSize = 0xFF
)

var (
	// ErrChecksum is returned when a reassembled message fails its integrity check.
	ErrChecksum = errors.New("frame: checksum mismatch")
	// ErrMalformedFragment is returned for fragments that are too short, out of
	// sequence, or belong to no message in progress.
	ErrMalformedFragment = errors.New("frame: malformed fragment")
	// ErrAbandoned reports that a partial message was dropped because a new
	// message started. It wraps ErrMalformedFragment.
	ErrAbandoned = fmt.Errorf("%w: partial message abandoned", ErrMalformedFragment)
	// ErrMessageTooLarge is returned when a message does not fit the one-byte length field.
	ErrMessageTooLarge = errors.New("frame: message too large")
)

// Fragment is one transport-sized chunk of a logical message.
type Fragment struct {
	Index uint8
	Body  []byte
}

// Bytes returns the wire form of the fragment.
func (f Fragment) Bytes() []byte {
	out := make([]byte, 1+len(f.Body))
	out[0] = f.Index
	copy(out[1:], f.Body)
	return out
}

// ParseFragment splits a raw notification into index and body.
func ParseFragment(raw []byte) (Fragment, error) {
	if len(raw) < 2 {
		return Fragment{}, fmt.Errorf("%w: %d bytes", ErrMalformedFragment, len(raw))
	}
	body := make([]byte, len(raw)-1)
	copy(body, raw[1:])
	return Fragment{Index: raw[0], Body: body}, nil
}

// Command is a request sent to the unit.
type Command struct {
	ID     uint16
	Params Params
}

// Response is a reassembled reply from the unit.
type Response struct {
	ID     uint16
	Status uint8
	Params Params
	// Raw is the reassembled logical message including any trailer.
	Raw []byte
}

// OK reports whether the unit accepted the command.
func (r *Response) OK() bool {
	return r.Status == 0
}

// fragmentCount returns how many fragments a message of n bytes occupies.
func fragmentCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + BodySize - 1) / BodySize
}

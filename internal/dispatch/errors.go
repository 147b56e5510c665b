package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no matching response arrives before the deadline.
	ErrTimeout = errors.New("dispatch: exchange timed out")
	// ErrBusy is returned when an exchange is already pending.
	ErrBusy = errors.New("dispatch: exchange already pending")
	// ErrClosed is returned when the session closes before or during an exchange.
	ErrClosed = errors.New("dispatch: session closed")
	// ErrStatus marks a response with a non-zero status byte.
	ErrStatus = errors.New("dispatch: unit rejected command")
)

// TransportError reports a failed fragment write.
type TransportError struct {
	CommandID uint16
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch: command %d: transport: %v", e.CommandID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be decoded or that the
// unit answered with an error status.
type ProtocolError struct {
	CommandID uint16
	Status    uint8
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch: command %d: status 0x%02X: %v", e.CommandID, e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch: command %d: %v", e.CommandID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

package controller

import (
	"context"
	"errors"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/dispatch"
	"madoka-go-home/internal/feature"
	"madoka-go-home/internal/frame"
)

// ErrDisconnected is returned when repeated exchange failures tore the link
// down. The next call reconnects.
var ErrDisconnected = errors.New("controller: link torn down after repeated failures")

// Kind groups errors by who has to act on them.
type Kind int

const (
	KindNone Kind = iota
	// KindUnreachable: the unit could not be reached or stopped answering.
	KindUnreachable
	// KindDevice: the unit answered with something unusable.
	KindDevice
	// KindInput: the request itself was invalid.
	KindInput
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnreachable:
		return "unreachable"
	case KindDevice:
		return "device"
	case KindInput:
		return "input"
	default:
		return "unknown"
	}
}

// Classify maps an error from any layer to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var verr *feature.ValidationError
	if errors.As(err, &verr) || errors.Is(err, feature.ErrNotSupported) {
		return KindInput
	}

	var perr *dispatch.ProtocolError
	if errors.As(err, &perr) ||
		errors.Is(err, frame.ErrChecksum) ||
		errors.Is(err, frame.ErrMalformedFragment) ||
		errors.Is(err, feature.ErrUnconfirmed) {
		return KindDevice
	}

	var terr *dispatch.TransportError
	switch {
	case errors.As(err, &terr),
		errors.Is(err, dispatch.ErrTimeout),
		errors.Is(err, dispatch.ErrClosed),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, ble.ErrDiscoveryTimeout),
		errors.Is(err, ble.ErrConnect),
		errors.Is(err, ble.ErrNotReady),
		errors.Is(err, ble.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnreachable
	}
	return KindUnknown
}

//go:build !linux

package ble

import (
	"context"
	"errors"
	"log/slog"
)

var errAdapterUnsupported = errors.New("ble: HCI adapter link is only supported on linux, use the serial gateway")

// TinygoLink is unavailable on this platform.
type TinygoLink struct{}

func NewTinygoLink(string, *slog.Logger) *TinygoLink { return &TinygoLink{} }

func (*TinygoLink) Scan(context.Context, string) error { return errAdapterUnsupported }

func (*TinygoLink) Connect(context.Context, string) (Conn, error) {
	return nil, errAdapterUnsupported
}

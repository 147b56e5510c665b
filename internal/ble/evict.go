package ble

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Evictor forces the unit to drop any existing peer so it advertises again.
type Evictor interface {
	Evict(ctx context.Context, addr string) error
}

// Bluetoothctl evicts peers through the BlueZ command line tool.
type Bluetoothctl struct {
	// Path defaults to "bluetoothctl".
	Path string
}

func (b Bluetoothctl) Evict(ctx context.Context, addr string) error {
	path := b.Path
	if path == "" {
		path = "bluetoothctl"
	}
	out, err := exec.CommandContext(ctx, path, "disconnect", addr).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bluetoothctl disconnect %s: %w: %s", addr, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NoopEvictor does nothing. Used where eviction is disabled or unsupported.
type NoopEvictor struct{}

func (NoopEvictor) Evict(context.Context, string) error { return nil }

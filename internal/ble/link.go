// Package ble manages the single BLE link to a Madoka unit: peer eviction,
// discovery, connection, fragment writes and the notification stream.
package ble

import (
	"context"
	"errors"
)

// GATT characteristics of the unit's command service.
const (
	NotifyCharUUID = "2141e110-213a-11e6-b67b-9e71128cae77"
	WriteCharUUID  = "2141e111-213a-11e6-b67b-9e71128cae77"
)

// Device information keys returned by Conn.Info, named after the standard
// GATT characteristic descriptions.
const (
	InfoModel        = "Model Number String"
	InfoSerial       = "Serial Number String"
	InfoFirmware     = "Firmware Revision String"
	InfoHardware     = "Hardware Revision String"
	InfoSoftware     = "Software Revision String"
	InfoManufacturer = "Manufacturer Name String"
)

var (
	// ErrNotFound is returned by a Link when the unit did not advertise.
	ErrNotFound = errors.New("ble: device not found")
	// ErrDiscoveryTimeout is returned when the unit is not seen within the discovery timeout.
	ErrDiscoveryTimeout = errors.New("ble: device discovery timed out")
	// ErrConnect wraps a refused or failed connection attempt.
	ErrConnect = errors.New("ble: connect failed")
	// ErrNotReady is returned when writing on a session that is not Ready.
	ErrNotReady = errors.New("ble: session not ready")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("ble: session closed")
	// ErrStreamTaken is returned when the notification stream already has a consumer.
	ErrStreamTaken = errors.New("ble: notification stream already taken")
)

// Link discovers and connects to a unit.
type Link interface {
	// Scan blocks until the unit with the given address is seen or ctx ends.
	Scan(ctx context.Context, addr string) error
	Connect(ctx context.Context, addr string) (Conn, error)
}

// Conn is an established connection to the unit's command service.
type Conn interface {
	// Write sends one fragment on the write characteristic.
	Write(data []byte) error
	// Subscribe enables notifications; fn is called for every notification.
	Subscribe(fn func([]byte)) error
	// Info reads the device information service.
	Info(ctx context.Context) (map[string]string, error)
	Close() error
}

//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// device information service and its string characteristics
var infoChars = map[bluetooth.UUID]string{
	bluetooth.New16BitUUID(0x2A24): InfoModel,
	bluetooth.New16BitUUID(0x2A25): InfoSerial,
	bluetooth.New16BitUUID(0x2A26): InfoFirmware,
	bluetooth.New16BitUUID(0x2A27): InfoHardware,
	bluetooth.New16BitUUID(0x2A28): InfoSoftware,
	bluetooth.New16BitUUID(0x2A29): InfoManufacturer,
}

var deviceInfoService = bluetooth.New16BitUUID(0x180A)

// TinygoLink reaches the unit through a local HCI adapter.
type TinygoLink struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	found map[string]bluetooth.Address
}

// NewTinygoLink binds to the named adapter ("hci0" when empty).
func NewTinygoLink(adapterID string, logger *slog.Logger) *TinygoLink {
	adapter := bluetooth.DefaultAdapter
	if adapterID != "" && adapterID != "hci0" {
		adapter = bluetooth.NewAdapter(adapterID)
	}
	return &TinygoLink{
		adapter: adapter,
		logger:  logger.With("component", "ble-adapter", "adapter", adapterID),
		found:   make(map[string]bluetooth.Address),
	}
}

func (l *TinygoLink) enable() error {
	l.enableOnce.Do(func() {
		if err := l.adapter.Enable(); err != nil {
			l.enableErr = fmt.Errorf("enable adapter: %w", err)
		}
	})
	return l.enableErr
}

func (l *TinygoLink) Scan(ctx context.Context, addr string) error {
	if err := l.enable(); err != nil {
		return err
	}
	want := strings.ToUpper(addr)
	found := make(chan bluetooth.Address, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- l.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if strings.ToUpper(r.Address.String()) != want {
				return
			}
			select {
			case found <- r.Address:
				l.logger.Debug("unit advertised", "name", r.LocalName(), "rssi", r.RSSI)
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case a := <-found:
		<-scanDone
		l.mu.Lock()
		l.found[want] = a
		l.mu.Unlock()
		return nil
	case err := <-scanDone:
		select {
		case a := <-found:
			l.mu.Lock()
			l.found[want] = a
			l.mu.Unlock()
			return nil
		default:
		}
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	case <-ctx.Done():
		if err := l.adapter.StopScan(); err != nil {
			l.logger.Debug("stop scan", "err", err)
		}
		<-scanDone
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
}

func (l *TinygoLink) Connect(ctx context.Context, addr string) (Conn, error) {
	l.mu.Lock()
	a, ok := l.found[strings.ToUpper(addr)]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s was not discovered", ErrNotFound, addr)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := l.adapter.Connect(a, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		dev = r.dev
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	conn, err := newTinygoConn(dev)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}
	return conn, nil
}

type tinygoConn struct {
	dev    bluetooth.Device
	write  bluetooth.DeviceCharacteristic
	notify bluetooth.DeviceCharacteristic
	info   []bluetooth.DeviceCharacteristic
}

func newTinygoConn(dev bluetooth.Device) (*tinygoConn, error) {
	notifyUUID, err := bluetooth.ParseUUID(NotifyCharUUID)
	if err != nil {
		return nil, err
	}
	writeUUID, err := bluetooth.ParseUUID(WriteCharUUID)
	if err != nil {
		return nil, err
	}

	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	c := &tinygoConn{dev: dev}
	var haveWrite, haveNotify bool
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID(), err)
		}
		for _, ch := range chars {
			switch {
			case ch.UUID() == writeUUID:
				c.write, haveWrite = ch, true
			case ch.UUID() == notifyUUID:
				c.notify, haveNotify = ch, true
			case svc.UUID() == deviceInfoService:
				if _, ok := infoChars[ch.UUID()]; ok {
					c.info = append(c.info, ch)
				}
			}
		}
	}
	if !haveWrite || !haveNotify {
		return nil, fmt.Errorf("command characteristics missing (write=%v notify=%v)", haveWrite, haveNotify)
	}
	return c, nil
}

func (c *tinygoConn) Write(data []byte) error {
	_, err := c.write.WriteWithoutResponse(data)
	return err
}

func (c *tinygoConn) Subscribe(fn func([]byte)) error {
	return c.notify.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	})
}

func (c *tinygoConn) Info(ctx context.Context) (map[string]string, error) {
	values := make(map[string]string, len(c.info))
	buf := make([]byte, 64)
	for _, ch := range c.info {
		if err := ctx.Err(); err != nil {
			return values, err
		}
		n, err := ch.Read(buf)
		if err != nil {
			return values, fmt.Errorf("read %s: %w", infoChars[ch.UUID()], err)
		}
		values[infoChars[ch.UUID()]] = strings.TrimRight(string(buf[:n]), "\x00")
	}
	return values, nil
}

func (c *tinygoConn) Close() error {
	c.notify.EnableNotifications(nil)
	return c.dev.Disconnect()
}

package ble

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial gateway opcodes. Host requests have the high bit clear, gateway
// replies and indications have it set.
const (
	opScan       = 0x01
	opConnect    = 0x02
	opWrite      = 0x03
	opDisconnect = 0x04
	opReadInfo   = 0x05

	opScanResult    = 0x81
	opConnectResult = 0x82
	opNotify        = 0x83
	opDisconnected  = 0x84
	opInfo          = 0x85
)

// SerialLink reaches the unit through a UART BLE gateway.
type SerialLink struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	waiters  map[uint8]chan []byte
	onNotify func([]byte)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerialLink opens the gateway's serial port.
func OpenSerialLink(portName string, baudRate int, logger *slog.Logger) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial gateway: open %s: %w", portName, err)
	}
	// USB CDC ACM gateways wait for DTR before talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return newSerialLink(port, logger.With("port", portName)), nil
}

func newSerialLink(rw io.ReadWriteCloser, logger *slog.Logger) *SerialLink {
	l := &SerialLink{
		rw:      rw,
		reader:  bufio.NewReader(rw),
		logger:  logger.With("component", "serial-gateway"),
		waiters: make(map[uint8]chan []byte),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *SerialLink) Scan(ctx context.Context, addr string) error {
	reply, err := l.request(ctx, opScan, []byte(strings.ToUpper(addr)), opScanResult)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, addr)
		}
		return err
	}
	if len(reply) < 1 || reply[0] == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return nil
}

func (l *SerialLink) Connect(ctx context.Context, addr string) (Conn, error) {
	reply, err := l.request(ctx, opConnect, []byte(strings.ToUpper(addr)), opConnectResult)
	if err != nil {
		return nil, err
	}
	if len(reply) < 1 {
		return nil, fmt.Errorf("serial gateway: empty connect result")
	}
	if reply[0] != 0 {
		return nil, fmt.Errorf("serial gateway: connect status 0x%02X", reply[0])
	}
	return &serialConn{link: l}, nil
}

// Close stops the reader and closes the port.
func (l *SerialLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.rw.Close()
		l.wg.Wait()
	})
	return err
}

func (l *SerialLink) send(op uint8, payload []byte) error {
	msg := make([]byte, 1+len(payload))
	msg[0] = op
	copy(msg[1:], payload)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.rw.Write(hdlcEncode(msg)); err != nil {
		return fmt.Errorf("serial gateway: write op 0x%02X: %w", op, err)
	}
	return nil
}

// request sends op and waits for the matching reply opcode.
func (l *SerialLink) request(ctx context.Context, op uint8, payload []byte, reply uint8) ([]byte, error) {
	ch := make(chan []byte, 1)
	l.mu.Lock()
	if _, busy := l.waiters[reply]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("serial gateway: op 0x%02X already pending", op)
	}
	l.waiters[reply] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, reply)
		l.mu.Unlock()
	}()

	if err := l.send(op, payload); err != nil {
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *SerialLink) readLoop() {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		inner, err := readHDLCFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if err == io.EOF || strings.Contains(err.Error(), "closed") {
				l.logger.Warn("serial gateway stream ended", "err", err)
				return
			}
			l.logger.Error("serial gateway read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		msg, err := hdlcDecode(inner)
		if err != nil {
			l.logger.Warn("serial gateway frame dropped", "err", err)
			continue
		}
		if len(msg) == 0 {
			continue
		}
		l.handle(msg[0], msg[1:])
	}
}

func (l *SerialLink) handle(op uint8, payload []byte) {
	switch op {
	case opNotify:
		l.mu.Lock()
		fn := l.onNotify
		l.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	case opDisconnected:
		l.logger.Warn("gateway reports unit disconnected")
	default:
		l.mu.Lock()
		ch, ok := l.waiters[op]
		l.mu.Unlock()
		if !ok {
			l.logger.Debug("unsolicited gateway reply", "op", fmt.Sprintf("0x%02X", op))
			return
		}
		select {
		case ch <- payload:
		default:
		}
	}
}

type serialConn struct {
	link *SerialLink
}

func (c *serialConn) Write(data []byte) error {
	return c.link.send(opWrite, data)
}

func (c *serialConn) Subscribe(fn func([]byte)) error {
	c.link.mu.Lock()
	c.link.onNotify = fn
	c.link.mu.Unlock()
	return nil
}

// Info payload is newline separated key=value pairs.
func (c *serialConn) Info(ctx context.Context) (map[string]string, error) {
	reply, err := c.link.request(ctx, opReadInfo, nil, opInfo)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, line := range bytes.Split(reply, []byte{'\n'}) {
		key, value, ok := strings.Cut(string(line), "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}
	return values, nil
}

func (c *serialConn) Close() error {
	c.link.mu.Lock()
	c.link.onNotify = nil
	c.link.mu.Unlock()
	return c.link.send(opDisconnect, nil)
}

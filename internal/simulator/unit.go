// Package simulator emulates a Madoka unit behind the ble.Link interface. It
// speaks the same fragment protocol as the real device and is used for demos
// (unit.link: simulator) and by tests across the module.
package simulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/frame"
)

// Command ids understood by the unit.
const (
	cmdQueryPower       = 32
	cmdQueryMode        = 48
	cmdQuerySetPoint    = 64
	cmdQueryFanSpeed    = 80
	cmdQueryCleanFilter = 256
	cmdQueryTemps       = 272
	cmdUpdatePower      = 16416
	cmdUpdateMode       = 16432
	cmdUpdateSetPoint   = 16448
	cmdUpdateFanSpeed   = 16464
	cmdResetFilterTimer = 16928
)

// State is the emulated device state in wire units.
type State struct {
	PowerOn         bool
	Mode            uint8
	CoolingSetPoint uint16 // °C * 128
	HeatingSetPoint uint16
	CoolingFan      uint8
	HeatingFan      uint8
	Indoor          uint8
	Outdoor         uint8 // 0xFF when the outdoor sensor is absent
	CleanFilter     bool
}

// DefaultState is a unit in AUTO, powered off, 22/20 °C.
func DefaultState() State {
	return State{
		Mode:            2,
		CoolingSetPoint: 22 * 128,
		HeatingSetPoint: 20 * 128,
		CoolingFan:      3,
		HeatingFan:      3,
		Indoor:          21,
		Outdoor:         12,
	}
}

// Interceptor may replace the unit's answer to a command. Returning
// handled=false falls through to the default behaviour.
type Interceptor func(cmd frame.Command) (responses []frame.Response, handled bool)

// Unit is an emulated device. It implements ble.Link.
type Unit struct {
	codec  *frame.Codec
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	staged    *State
	lag       int
	lagLeft   int
	hidden    bool
	refuse    error
	info      map[string]string
	intercept Interceptor
	commands  []frame.Command
	conn      *unitConn
}

// New creates a unit in DefaultState.
func New(codec *frame.Codec, logger *slog.Logger) *Unit {
	if codec == nil {
		codec = frame.NewCodec(nil)
	}
	return &Unit{
		codec:  codec,
		logger: logger.With("component", "simulator"),
		state:  DefaultState(),
		info: map[string]string{
			ble.InfoModel:        "0001",
			ble.InfoSerial:       "SIM0001",
			ble.InfoFirmware:     "1.0.0",
			ble.InfoSoftware:     "1.0.0",
			ble.InfoManufacturer: "DAIKIN",
		},
	}
}

// SetState replaces the device state.
func (u *Unit) SetState(s State) {
	u.mu.Lock()
	u.state = s
	u.staged = nil
	u.mu.Unlock()
}

// State returns the device state as the unit currently reports it.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SetApplyLag makes updates visible only after n further queries.
func (u *Unit) SetApplyLag(n int) {
	u.mu.Lock()
	u.lag = n
	u.mu.Unlock()
}

// SetHidden stops the unit from advertising.
func (u *Unit) SetHidden(hidden bool) {
	u.mu.Lock()
	u.hidden = hidden
	u.mu.Unlock()
}

// SetRefuse makes Connect fail with err (nil to accept).
func (u *Unit) SetRefuse(err error) {
	u.mu.Lock()
	u.refuse = err
	u.mu.Unlock()
}

// SetInterceptor installs a hook consulted before every default answer.
func (u *Unit) SetInterceptor(fn Interceptor) {
	u.mu.Lock()
	u.intercept = fn
	u.mu.Unlock()
}

// Commands returns every command received so far.
func (u *Unit) Commands() []frame.Command {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]frame.Command(nil), u.commands...)
}

// Push sends raw notification bytes to the connected host.
func (u *Unit) Push(raw []byte) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		conn.notify(raw)
	}
}

// Respond sends a response to the connected host as fragments.
func (u *Unit) Respond(resp frame.Response) error {
	frags, err := u.codec.EncodeResponse(resp)
	if err != nil {
		return err
	}
	for _, f := range frags {
		u.Push(f.Bytes())
	}
	return nil
}

// --- ble.Link ---

func (u *Unit) Scan(ctx context.Context, addr string) error {
	u.mu.Lock()
	hidden := u.hidden
	u.mu.Unlock()
	if hidden {
		<-ctx.Done()
		return fmt.Errorf("%w: %s", ble.ErrNotFound, addr)
	}
	return nil
}

func (u *Unit) Connect(ctx context.Context, addr string) (ble.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.refuse != nil {
		return nil, u.refuse
	}
	c := &unitConn{unit: u, reasm: u.codec.NewReassembler()}
	u.conn = c
	return c, nil
}

// --- Command handling ---

func (u *Unit) handle(cmd frame.Command) {
	u.mu.Lock()
	u.commands = append(u.commands, cmd)
	intercept := u.intercept
	u.mu.Unlock()

	if intercept != nil {
		if responses, handled := intercept(cmd); handled {
			for _, r := range responses {
				if err := u.Respond(r); err != nil {
					u.logger.Error("intercepted response", "cmd", r.ID, "err", err)
				}
			}
			return
		}
	}

	resp := u.answer(cmd)
	if err := u.Respond(resp); err != nil {
		u.logger.Error("respond", "cmd", cmd.ID, "err", err)
	}
}

func (u *Unit) answer(cmd frame.Command) frame.Response {
	u.mu.Lock()
	defer u.mu.Unlock()

	if isQuery(cmd.ID) && u.staged != nil {
		if u.lagLeft <= 0 {
			u.state = *u.staged
			u.staged = nil
		} else {
			u.lagLeft--
		}
	}

	s := u.state
	resp := frame.Response{ID: cmd.ID}
	switch cmd.ID {
	case cmdQueryPower:
		resp.Params = frame.Params{{ID: 0x20, Value: []byte{boolByte(s.PowerOn)}}}
	case cmdQueryMode:
		resp.Params = frame.Params{{ID: 0x20, Value: []byte{s.Mode}}}
	case cmdQuerySetPoint:
		resp.Params = frame.Params{{ID: 0x20, Value: be16(s.CoolingSetPoint)}, {ID: 0x21, Value: be16(s.HeatingSetPoint)}}
	case cmdQueryFanSpeed:
		resp.Params = frame.Params{{ID: 0x20, Value: []byte{s.CoolingFan}}, {ID: 0x21, Value: []byte{s.HeatingFan}}}
	case cmdQueryCleanFilter:
		resp.Params = frame.Params{{ID: 0x62, Value: []byte{boolByte(s.CleanFilter)}}}
	case cmdQueryTemps:
		resp.Params = frame.Params{{ID: 0x40, Value: []byte{s.Indoor}}, {ID: 0x41, Value: []byte{s.Outdoor}}}

	case cmdUpdatePower, cmdUpdateMode, cmdUpdateSetPoint, cmdUpdateFanSpeed, cmdResetFilterTimer:
		next := s
		if u.staged != nil {
			next = *u.staged
		}
		applyUpdate(&next, cmd)
		if u.lag > 0 && cmd.ID != cmdResetFilterTimer {
			u.staged = &next
			u.lagLeft = u.lag
		} else {
			u.state = next
		}
		// Update replies carry no state.
		resp.Params = nil

	default:
		resp.Status = 0x01
	}
	return resp
}

func applyUpdate(s *State, cmd frame.Command) {
	p := cmd.Params
	switch cmd.ID {
	case cmdUpdatePower:
		if v, ok := p.Byte(0x20); ok {
			s.PowerOn = v == 1
		}
	case cmdUpdateMode:
		if v, ok := p.Byte(0x20); ok {
			s.Mode = v
		}
	case cmdUpdateSetPoint:
		if v, ok := p.Uint(0x20); ok {
			s.CoolingSetPoint = uint16(v)
		}
		if v, ok := p.Uint(0x21); ok {
			s.HeatingSetPoint = uint16(v)
		}
	case cmdUpdateFanSpeed:
		if v, ok := p.Byte(0x20); ok {
			s.CoolingFan = v
		}
		if v, ok := p.Byte(0x21); ok {
			s.HeatingFan = v
		}
	case cmdResetFilterTimer:
		s.CleanFilter = false
	}
}

func isQuery(id uint16) bool {
	return id < 0x4000
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func be16(v uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out
}

// unitConn is the host's connection to the emulated unit.
type unitConn struct {
	unit *Unit

	mu       sync.Mutex
	reasm    *frame.Reassembler
	onNotify func([]byte)
	closed   bool

	// responses are delivered in order on one goroutine per write burst
	sendMu sync.Mutex
}

func (c *unitConn) Write(data []byte) error {
	f, err := frame.ParseFragment(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ble.ErrClosed
	}
	msg, err := c.reasm.Feed(f)
	c.mu.Unlock()
	if err != nil {
		c.unit.logger.Debug("fragment rejected", "index", f.Index, "err", err)
		return nil
	}
	if msg == nil {
		return nil
	}
	cmd := frame.Command{ID: msg.ID, Params: msg.Params}
	go func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		c.unit.handle(cmd)
	}()
	return nil
}

func (c *unitConn) Subscribe(fn func([]byte)) error {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
	return nil
}

func (c *unitConn) Info(ctx context.Context) (map[string]string, error) {
	c.unit.mu.Lock()
	defer c.unit.mu.Unlock()
	out := make(map[string]string, len(c.unit.info))
	for k, v := range c.unit.info {
		out[k] = v
	}
	return out, nil
}

func (c *unitConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.onNotify = nil
	c.mu.Unlock()
	c.unit.mu.Lock()
	if c.unit.conn == c {
		c.unit.conn = nil
	}
	c.unit.mu.Unlock()
	return nil
}

func (c *unitConn) notify(raw []byte) {
	c.mu.Lock()
	fn := c.onNotify
	c.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

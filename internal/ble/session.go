package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"madoka-go-home/internal/frame"
)

const (
	defaultDiscoveryTimeout = 5 * time.Second
	defaultWriteTries       = 3
	defaultWriteRetryDelay  = time.Second
	notifyBuffer            = 64
)

// Config controls how a Session reaches the unit.
type Config struct {
	Address          string
	ForceDisconnect  bool
	DiscoveryTimeout time.Duration
	WriteTries       int
	WriteRetryDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if c.WriteTries <= 0 {
		c.WriteTries = defaultWriteTries
	}
	if c.WriteRetryDelay <= 0 {
		c.WriteRetryDelay = defaultWriteRetryDelay
	}
}

// Session owns the connection to one unit. Open may be retried after a
// failure; Close is final.
type Session struct {
	link    Link
	evictor Evictor
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	conn    Conn
	notify  chan frame.Fragment
	taken   bool
	closed  bool
	onState []func(State)

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session in the Disconnected state.
func NewSession(link Link, evictor Evictor, cfg Config, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if evictor == nil {
		evictor = NoopEvictor{}
	}
	return &Session{
		link:    link,
		evictor: evictor,
		cfg:     cfg,
		logger:  logger.With("component", "ble", "address", cfg.Address),
		notify:  make(chan frame.Fragment, notifyBuffer),
		done:    make(chan struct{}),
	}
}

// Address returns the unit address.
func (s *Session) Address() string {
	return s.cfg.Address
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a handler called after every transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = append(s.onState, fn)
	s.mu.Unlock()
}

// Open evicts stale peers, discovers and connects to the unit, and subscribes
// to notifications. On failure the session is back in Disconnected with no
// link left open.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("ble: open in state %s", st)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	addr := s.cfg.Address

	if s.cfg.ForceDisconnect {
		if err := s.transition(ForceDisconnecting); err != nil {
			return err
		}
		if err := s.evictor.Evict(ctx, addr); err != nil {
			s.logger.Warn("peer eviction failed", "err", err)
		}
	}

	if err := s.transition(Discovering); err != nil {
		return err
	}
	s.logger.Debug("discovering", "timeout", s.cfg.DiscoveryTimeout)
	start := time.Now()
	scanCtx, scanCancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	err := s.link.Scan(scanCtx, addr)
	scanCancel()
	if err != nil {
		s.fail()
		if ctxErr := ctx.Err(); ctxErr != nil {
			if s.isClosed() {
				return ErrClosed
			}
			return ctxErr
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s not seen after %s", ErrDiscoveryTimeout, addr, time.Since(start).Round(time.Millisecond))
		}
		return fmt.Errorf("ble: scan: %w", err)
	}

	if err := s.transition(Connecting); err != nil {
		return err
	}
	conn, err := s.link.Connect(ctx, addr)
	if err != nil {
		s.fail()
		if s.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	if err := conn.Subscribe(s.deliver); err != nil {
		conn.Close()
		s.fail()
		return fmt.Errorf("%w: subscribe notifications: %w", ErrConnect, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.state = Ready
	handlers := s.handlers()
	s.mu.Unlock()
	s.emit(handlers, Ready)

	s.logger.Info("connected")
	return nil
}

// Send writes one fragment, retrying failed writes.
func (s *Session) Send(ctx context.Context, f frame.Fragment) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != Ready || conn == nil {
		return fmt.Errorf("%w: %s", ErrNotReady, state)
	}

	data := f.Bytes()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.WriteTries; attempt++ {
		err := conn.Write(data)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Debug("fragment write failed", "index", f.Index, "attempt", attempt, "err", err)
		if attempt == s.cfg.WriteTries {
			break
		}
		timer := time.NewTimer(s.cfg.WriteRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
	return fmt.Errorf("ble: write fragment %d after %d tries: %w", f.Index, s.cfg.WriteTries, lastErr)
}

// Notifications returns the stream of incoming fragments. The channel is
// closed when the session closes. Only one consumer may take it.
func (s *Session) Notifications() (<-chan frame.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return nil, ErrStreamTaken
	}
	s.taken = true
	return s.notify, nil
}

// Info reads the device information service of the connected unit.
func (s *Session) Info(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotReady
	}
	return conn.Info(ctx)
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close disconnects from any state. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		close(s.done)
		close(s.notify)
		if conn != nil {
			s.state = Disconnecting
		}
		handlers := s.handlers()
		s.mu.Unlock()

		if conn != nil {
			s.emit(handlers, Disconnecting)
			if err := conn.Close(); err != nil {
				s.logger.Debug("close link", "err", err)
			}
		}

		s.mu.Lock()
		changed := s.state != Disconnected
		s.state = Disconnected
		s.mu.Unlock()
		if changed || conn != nil {
			s.emit(handlers, Disconnected)
		}
		s.logger.Info("session closed")
	})
	return nil
}

// deliver runs on the link's notification goroutine.
func (s *Session) deliver(raw []byte) {
	f, err := frame.ParseFragment(raw)
	if err != nil {
		s.logger.Debug("dropping notification", "data", fmt.Sprintf("%X", raw), "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notify <- f:
	default:
		s.logger.Warn("notification buffer full, dropping fragment", "index", f.Index)
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = to
	handlers := s.handlers()
	s.mu.Unlock()
	s.logger.Debug("state", "state", to)
	s.emit(handlers, to)
	return nil
}

func (s *Session) fail() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	handlers := s.handlers()
	s.mu.Unlock()
	s.emit(handlers, Disconnected)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handlers must be called with mu held.
func (s *Session) handlers() []func(State) {
	out := make([]func(State), len(s.onState))
	copy(out, s.onState)
	return out
}

func (s *Session) emit(handlers []func(State), st State) {
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state handler panic", "state", st, "panic", r)
				}
			}()
			fn(st)
		}()
	}
}

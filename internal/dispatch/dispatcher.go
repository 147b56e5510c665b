// Package dispatch runs request/response exchanges with the unit: one pending
// exchange at a time, correlated by command id, bounded by a deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/frame"
)

// DefaultTimeout bounds an exchange when the caller passes zero.
const DefaultTimeout = 5 * time.Second

// Transport is the fragment-level link the dispatcher drives.
type Transport interface {
	Send(ctx context.Context, f frame.Fragment) error
	Notifications() (<-chan frame.Fragment, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer sets the fragment and exchange tracer.
func WithTracer(t Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

type result struct {
	resp *frame.Response
	err  error
}

type exchange struct {
	id     uint16
	result chan result

	// started is set once a first fragment arrives while this exchange is
	// pending. Decode errors before that belong to an earlier reply.
	started bool
}

// Dispatcher owns the single pending exchange slot and the notification reader.
type Dispatcher struct {
	tr     Transport
	codec  *frame.Codec
	tracer Tracer
	logger *slog.Logger

	mu      sync.Mutex
	reasm   *frame.Reassembler
	pending *exchange
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New takes the transport's notification stream and starts the reader.
func New(tr Transport, codec *frame.Codec, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	ch, err := tr.Notifications()
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if codec == nil {
		codec = frame.NewCodec(nil)
	}
	d := &Dispatcher{
		tr:     tr,
		codec:  codec,
		tracer: NopTracer{},
		logger: logger.With("component", "dispatch"),
		reasm:  codec.NewReassembler(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.readLoop(ch)
	return d, nil
}

// Execute sends cmd and waits for the response with the same command id.
// A second call while an exchange is pending fails immediately with ErrBusy.
func (d *Dispatcher) Execute(ctx context.Context, cmd frame.Command, timeout time.Duration) (*frame.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.pending != nil {
		busy := d.pending.id
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: command %d in flight", ErrBusy, busy)
	}
	ex := &exchange{id: cmd.ID, result: make(chan result, 1)}
	d.pending = ex
	d.mu.Unlock()

	start := time.Now()
	resp, err := d.run(ctx, cmd, ex, timeout)
	d.tracer.TraceExchange(cmd, resp, err, time.Since(start))
	if err != nil {
		d.logger.Debug("exchange failed", "cmd", cmd.ID, "err", err)
	} else {
		d.logger.Debug("exchange done", "cmd", cmd.ID, "params", resp.Params.String(), "elapsed", time.Since(start))
	}
	return resp, err
}

func (d *Dispatcher) run(ctx context.Context, cmd frame.Command, ex *exchange, timeout time.Duration) (*frame.Response, error) {
	timedOut := false
	defer func() { d.clear(ex, timedOut) }()

	frags, err := d.codec.Encode(cmd)
	if err != nil {
		return nil, &ProtocolError{CommandID: cmd.ID, Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, f := range frags {
		d.tracer.TraceFragment(Outbound, f)
		if err := d.tr.Send(tctx, f); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				timedOut = true
				return nil, fmt.Errorf("%w: command %d while writing", ErrTimeout, cmd.ID)
			case errors.Is(err, ble.ErrClosed):
				return nil, ErrClosed
			}
			return nil, &TransportError{CommandID: cmd.ID, Err: err}
		}
	}

	select {
	case r := <-ex.result:
		return r.resp, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timedOut = true
		return nil, fmt.Errorf("%w: command %d after %s", ErrTimeout, cmd.ID, timeout)
	case <-d.done:
		return nil, ErrClosed
	}
}

// clear frees the pending slot. After a timeout any partial response is dropped
// so late fragments cannot complete it.
func (d *Dispatcher) clear(ex *exchange, timedOut bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == ex {
		d.pending = nil
	}
	if timedOut {
		d.reasm.Reset()
	}
}

// Close stops the reader. Pending and later exchanges fail with ErrClosed.
func (d *Dispatcher) Close() error {
	d.shutdown()
	d.wg.Wait()
	return nil
}

// Done is closed when the dispatcher stops, either through Close or because
// the notification stream ended.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
}

// --- Transport: read loop ---

func (d *Dispatcher) readLoop(ch <-chan frame.Fragment) {
	defer d.wg.Done()
	defer d.shutdown()

	for {
		select {
		case <-d.done:
			return
		case f, ok := <-ch:
			if !ok {
				d.logger.Debug("notification stream closed")
				return
			}
			d.handleFragment(f)
		}
	}
}

func (d *Dispatcher) handleFragment(f frame.Fragment) {
	d.tracer.TraceFragment(Inbound, f)

	d.mu.Lock()
	ex := d.pending
	if ex != nil && f.Index == 0 {
		ex.started = true
	}
	resp, err := d.reasm.Feed(f)
	started := ex != nil && ex.started
	d.mu.Unlock()

	if err != nil {
		if errors.Is(err, frame.ErrAbandoned) {
			d.logger.Warn("partial response abandoned", "index", f.Index)
			return
		}
		if !started {
			d.logger.Debug("dropping fragment", "index", f.Index, "err", err)
			return
		}
		d.logger.Warn("response decode failed", "cmd", ex.id, "index", f.Index, "err", err)
		d.resolve(ex, result{err: &ProtocolError{CommandID: ex.id, Err: err}})
		return
	}
	if resp == nil {
		return
	}

	if ex == nil || resp.ID != ex.id {
		d.logger.Debug("stale response dropped", "cmd", resp.ID, "params", resp.Params.String())
		return
	}
	if !resp.OK() {
		d.resolve(ex, result{resp: resp, err: &ProtocolError{CommandID: resp.ID, Status: resp.Status, Err: ErrStatus}})
		return
	}
	d.resolve(ex, result{resp: resp})
}

func (d *Dispatcher) resolve(ex *exchange, r result) {
	select {
	case ex.result <- r:
	default:
	}
}

package trace

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"madoka-go-home/internal/dispatch"
	"madoka-go-home/internal/frame"
)

// Writer appends trace events to a file. It implements dispatch.Tracer and
// is safe for concurrent use.
type Writer struct {
	sessionID string
	now       func() time.Time

	mu     sync.Mutex
	out    io.WriteCloser
	enc    *cbor.Encoder
	closed bool
	err    error
}

var _ dispatch.Tracer = (*Writer)(nil)

// Create opens path for appending, creating it with mode 0644.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// NewWriter traces to w under a fresh session id.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{
		sessionID: uuid.New().String(),
		now:       time.Now,
		out:       w,
		enc:       newEncoder(w),
	}
}

// SessionID identifies this writer's events in a shared file.
func (w *Writer) SessionID() string { return w.sessionID }

func (w *Writer) TraceFragment(dir dispatch.Direction, f frame.Fragment) {
	w.write(Event{
		Direction: string(dir),
		Layer:     LayerFragment,
		Fragment:  f.Bytes(),
	})
}

func (w *Writer) TraceExchange(cmd frame.Command, resp *frame.Response, err error, elapsed time.Duration) {
	ev := Event{
		Direction: string(dispatch.Outbound),
		Layer:     LayerExchange,
		CommandID: cmd.ID,
		Elapsed:   elapsed,
	}
	if resp != nil {
		ev.Status = resp.Status
	}
	if err != nil {
		ev.Error = err.Error()
	}
	w.write(ev)
}

func (w *Writer) write(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	ev.Timestamp = w.now()
	ev.SessionID = w.sessionID
	// tracing never fails an exchange; the first error is kept for Err
	if err := w.enc.Encode(ev); err != nil && w.err == nil {
		w.err = err
	}
}

// Err returns the first encoding or write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the underlying file. Later events are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.err, w.out.Close())
}

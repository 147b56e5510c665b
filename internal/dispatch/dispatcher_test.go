package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/frame"
	"madoka-go-home/internal/simulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var powerQuery = frame.Command{ID: 32, Params: frame.Params{{ID: 0x20, Value: []byte{0x00}}}}

func setup(t *testing.T, codec *frame.Codec) (*Dispatcher, *simulator.Unit, *ble.Session) {
	t.Helper()
	unit := simulator.New(codec, testLogger())
	sess := ble.NewSession(unit, nil, ble.Config{Address: "AA:BB:CC:DD:EE:FF"}, testLogger())
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	d, err := New(sess, codec, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		sess.Close()
		d.Close()
	})
	return d, unit, sess
}

func TestExecuteQuery(t *testing.T) {
	d, unit, _ := setup(t, nil)
	st := simulator.DefaultState()
	st.PowerOn = true
	unit.SetState(st)

	resp, err := d.Execute(context.Background(), powerQuery, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, ok := resp.Params.Byte(0x20); !ok || v != 1 {
		t.Errorf("power param = %v, %v", v, ok)
	}
}

func TestExecuteBusy(t *testing.T) {
	d, unit, _ := setup(t, nil)
	unit.SetInterceptor(func(frame.Command) ([]frame.Response, bool) { return nil, true })

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		d.Execute(context.Background(), powerQuery, 300*time.Millisecond)
	}()
	<-started
	deadline := time.Now().Add(time.Second)
	for len(unit.Commands()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	_, err := d.Execute(context.Background(), frame.Command{ID: 48}, time.Second)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("busy rejection took %s", time.Since(start))
	}
	wg.Wait()
	if n := len(unit.Commands()); n != 1 {
		t.Errorf("unit received %d commands, want 1", n)
	}
}

func TestTimeoutThenRecovery(t *testing.T) {
	d, unit, _ := setup(t, nil)
	var mu sync.Mutex
	silent := true
	unit.SetInterceptor(func(frame.Command) ([]frame.Response, bool) {
		mu.Lock()
		defer mu.Unlock()
		return nil, silent
	})

	_, err := d.Execute(context.Background(), powerQuery, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	mu.Lock()
	silent = false
	mu.Unlock()

	if _, err := d.Execute(context.Background(), powerQuery, time.Second); err != nil {
		t.Fatalf("Execute after timeout: %v", err)
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	d, unit, _ := setup(t, nil)
	release := make(chan struct{})
	unit.SetInterceptor(func(cmd frame.Command) ([]frame.Response, bool) {
		if cmd.ID != 32 {
			return nil, false
		}
		<-release
		return []frame.Response{{ID: 32, Params: frame.Params{{ID: 0x20, Value: []byte{1}}}}}, true
	})

	if _, err := d.Execute(context.Background(), powerQuery, 30*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	close(release)

	resp, err := d.Execute(context.Background(), frame.Command{ID: 48, Params: frame.Params{{ID: 0x20, Value: []byte{2}}}}, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ID != 48 {
		t.Errorf("resolved with command %d, want 48", resp.ID)
	}
}

func TestStragglerAfterTimeoutIsDropped(t *testing.T) {
	d, unit, _ := setup(t, nil)
	raw, err := frame.NewCodec(nil).Marshal(272, 0, frame.Params{
		{ID: 0x40, Value: []byte{21}},
		{ID: 0x41, Value: []byte{12}},
		{ID: 0x42, Value: make([]byte, 12)},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frags := frame.Split(raw)
	if len(frags) != 2 {
		t.Fatalf("reply split into %d fragments, want 2", len(frags))
	}

	unit.SetInterceptor(func(cmd frame.Command) ([]frame.Response, bool) {
		switch cmd.ID {
		case 272:
			unit.Push(frags[0].Bytes())
			return nil, true
		case 32:
			unit.Push(frags[1].Bytes())
		}
		return nil, false
	})

	if _, err := d.Execute(context.Background(), frame.Command{ID: 272}, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	resp, err := d.Execute(context.Background(), powerQuery, time.Second)
	if err != nil {
		t.Fatalf("Execute after timeout: %v", err)
	}
	if resp.ID != 32 {
		t.Errorf("resp id = %d, want 32", resp.ID)
	}
}

func TestStaleResponseDropped(t *testing.T) {
	d, unit, _ := setup(t, nil)
	unit.SetInterceptor(func(cmd frame.Command) ([]frame.Response, bool) {
		return []frame.Response{
			{ID: 80, Params: frame.Params{{ID: 0x20, Value: []byte{5}}}},
			{ID: cmd.ID, Params: frame.Params{{ID: 0x20, Value: []byte{1}}}},
		}, true
	})

	resp, err := d.Execute(context.Background(), powerQuery, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ID != 32 {
		t.Errorf("resp id = %d, want 32", resp.ID)
	}
}

func TestErrorStatusIsProtocolError(t *testing.T) {
	d, unit, _ := setup(t, nil)
	unit.SetInterceptor(func(cmd frame.Command) ([]frame.Response, bool) {
		return []frame.Response{{ID: cmd.ID, Status: 0x05}}, true
	})

	_, err := d.Execute(context.Background(), powerQuery, time.Second)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if perr.Status != 0x05 || perr.CommandID != 32 {
		t.Errorf("ProtocolError = %+v", perr)
	}
}

func TestChecksumFailureIsProtocolError(t *testing.T) {
	codec := frame.NewCodec(frame.CRC8{})
	d, unit, _ := setup(t, codec)
	unit.SetInterceptor(func(cmd frame.Command) ([]frame.Response, bool) {
		raw, _ := codec.Marshal(cmd.ID, 0, frame.Params{{ID: 0x20, Value: []byte{1}}})
		raw[len(raw)-1] ^= 0xFF
		for _, f := range frame.Split(raw) {
			unit.Push(f.Bytes())
		}
		return nil, true
	})

	_, err := d.Execute(context.Background(), powerQuery, time.Second)
	var perr *ProtocolError
	if !errors.As(err, &perr) || !errors.Is(err, frame.ErrChecksum) {
		t.Fatalf("err = %v, want ProtocolError wrapping ErrChecksum", err)
	}
}

func TestCloseFailsPendingExchange(t *testing.T) {
	d, unit, sess := setup(t, nil)
	unit.SetInterceptor(func(frame.Command) ([]frame.Response, bool) {
		go sess.Close()
		return nil, true
	})

	_, err := d.Execute(context.Background(), powerQuery, 2*time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := d.Execute(context.Background(), powerQuery, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute after close err = %v, want ErrClosed", err)
	}
}

type failingTransport struct {
	ch chan frame.Fragment
}

func (f *failingTransport) Send(context.Context, frame.Fragment) error {
	return errors.New("gatt write failed")
}

func (f *failingTransport) Notifications() (<-chan frame.Fragment, error) {
	return f.ch, nil
}

func TestWriteFailureIsTransportError(t *testing.T) {
	tr := &failingTransport{ch: make(chan frame.Fragment)}
	d, err := New(tr, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	_, err = d.Execute(context.Background(), powerQuery, time.Second)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

type recordingTracer struct {
	mu        sync.Mutex
	out, in   int
	exchanges int
}

func (r *recordingTracer) TraceFragment(dir Direction, _ frame.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir == Outbound {
		r.out++
	} else {
		r.in++
	}
}

func (r *recordingTracer) TraceExchange(frame.Command, *frame.Response, error, time.Duration) {
	r.mu.Lock()
	r.exchanges++
	r.mu.Unlock()
}

func TestTracerSeesFragments(t *testing.T) {
	unit := simulator.New(nil, testLogger())
	sess := ble.NewSession(unit, nil, ble.Config{Address: "AA"}, testLogger())
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()
	tr := &recordingTracer{}
	d, err := New(sess, nil, testLogger(), WithTracer(tr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, err := d.Execute(context.Background(), powerQuery, time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.out != 1 || tr.in != 1 || tr.exchanges != 1 {
		t.Errorf("tracer saw out=%d in=%d exchanges=%d", tr.out, tr.in, tr.exchanges)
	}
}

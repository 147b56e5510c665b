package trace

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	SessionID  string
	CommandID  uint16
	Layer      *Layer
	ErrorsOnly bool
}

func (f Filter) matches(ev Event) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.CommandID != 0 && ev.CommandID != f.CommandID {
		return false
	}
	if f.Layer != nil && ev.Layer != *f.Layer {
		return false
	}
	if f.ErrorsOnly && ev.Error == "" {
		return false
	}
	return true
}

// Reader streams events back from a trace.
type Reader struct {
	in     io.ReadCloser
	dec    *cbor.Decoder
	filter Filter
}

// Open reads the trace file at path.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f, filter), nil
}

// NewReader reads events from r.
func NewReader(r io.ReadCloser, filter Filter) *Reader {
	return &Reader{in: r, dec: newDecoder(r), filter: filter}
}

// Next returns the next matching event, or io.EOF. A record cut short by a
// crash mid-write is reported as io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(ev) {
			return ev, nil
		}
	}
}

// All drains the reader.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func (r *Reader) Close() error { return r.in.Close() }

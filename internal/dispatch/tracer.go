package dispatch

import (
	"time"

	"madoka-go-home/internal/frame"
)

// Direction of a traced fragment.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// Tracer observes every fragment and exchange outcome.
type Tracer interface {
	TraceFragment(dir Direction, f frame.Fragment)
	TraceExchange(cmd frame.Command, resp *frame.Response, err error, elapsed time.Duration)
}

// NopTracer discards everything.
type NopTracer struct{}

func (NopTracer) TraceFragment(Direction, frame.Fragment) {}

func (NopTracer) TraceExchange(frame.Command, *frame.Response, error, time.Duration) {}

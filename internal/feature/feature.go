// Package feature describes the unit's controllable features and runs their
// query and update exchanges through one generic controller.
package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"madoka-go-home/internal/dispatch"
	"madoka-go-home/internal/frame"
)

var (
	// ErrNotSupported is returned for a query or update the feature does not have.
	ErrNotSupported = errors.New("feature: operation not supported")
	// ErrUnconfirmed is returned when the unit never reports the requested value.
	ErrUnconfirmed = errors.New("feature: update not confirmed by unit")
	// ErrBadValue marks a response parameter that is missing or out of range.
	ErrBadValue = errors.New("feature: unexpected parameter value")
)

// ValidationError rejects a value before anything is sent.
type ValidationError struct {
	Feature string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feature %s: invalid value: %s", e.Feature, e.Reason)
}

// Executor runs one exchange. Implemented by *dispatch.Dispatcher and by the
// controller's retrying wrapper.
type Executor interface {
	Execute(ctx context.Context, cmd frame.Command, timeout time.Duration) (*frame.Response, error)
}

// Descriptor is the stateless definition of one feature.
type Descriptor[T any] struct {
	Name        string
	QueryID     uint16
	UpdateID    uint16
	QueryParams frame.Params
	Encode      func(T) frame.Params
	Decode      func(frame.Params) (T, error)
	Validate    func(T) error
	// Confirm re-queries after an update until the unit reports the value.
	Confirm bool
}

// Options tune exchanges and update confirmation.
type Options struct {
	Timeout         time.Duration
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = dispatch.DefaultTimeout
	}
	if o.ConfirmAttempts <= 0 {
		o.ConfirmAttempts = 5
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = 500 * time.Millisecond
	}
}

// Feature is the type-erased view used by the web API, MQTT and Lua.
type Feature interface {
	Name() string
	Queryable() bool
	Updatable() bool
	QueryValue(ctx context.Context) (any, error)
	UpdateJSON(ctx context.Context, data []byte) (any, error)
}

// Controller runs the exchanges of one feature.
type Controller[T any] struct {
	desc   Descriptor[T]
	exec   Executor
	opts   Options
	logger *slog.Logger
}

// NewController binds a descriptor to an executor.
func NewController[T any](desc Descriptor[T], exec Executor, opts Options, logger *slog.Logger) *Controller[T] {
	opts.applyDefaults()
	return &Controller[T]{
		desc:   desc,
		exec:   exec,
		opts:   opts,
		logger: logger.With("feature", desc.Name),
	}
}

func (c *Controller[T]) Name() string    { return c.desc.Name }
func (c *Controller[T]) Queryable() bool { return c.desc.QueryID != 0 }
func (c *Controller[T]) Updatable() bool { return c.desc.UpdateID != 0 }

// Query reads the current value from the unit.
func (c *Controller[T]) Query(ctx context.Context) (T, error) {
	var zero T
	if !c.Queryable() {
		return zero, fmt.Errorf("query %s: %w", c.desc.Name, ErrNotSupported)
	}
	resp, err := c.exec.Execute(ctx, frame.Command{ID: c.desc.QueryID, Params: c.desc.QueryParams}, c.opts.Timeout)
	if err != nil {
		return zero, fmt.Errorf("query %s: %w", c.desc.Name, err)
	}
	v, err := c.desc.Decode(resp.Params)
	if err != nil {
		return zero, fmt.Errorf("query %s: %w", c.desc.Name, &dispatch.ProtocolError{CommandID: resp.ID, Err: err})
	}
	c.logger.Debug("queried", "value", v)
	return v, nil
}

// Update validates and writes v. With confirmation enabled the returned value
// is the one the unit reports afterwards.
func (c *Controller[T]) Update(ctx context.Context, v T) (T, error) {
	var zero T
	if !c.Updatable() {
		return zero, fmt.Errorf("update %s: %w", c.desc.Name, ErrNotSupported)
	}
	if c.desc.Validate != nil {
		if err := c.desc.Validate(v); err != nil {
			return zero, err
		}
	}

	cmd := frame.Command{ID: c.desc.UpdateID, Params: c.desc.Encode(v)}
	if _, err := c.exec.Execute(ctx, cmd, c.opts.Timeout); err != nil {
		return zero, fmt.Errorf("update %s: %w", c.desc.Name, err)
	}
	c.logger.Debug("updated", "value", v)

	if !c.desc.Confirm || !c.Queryable() {
		return v, nil
	}
	return c.confirm(ctx, v)
}

func (c *Controller[T]) confirm(ctx context.Context, want T) (T, error) {
	var zero, last T
	for attempt := 1; attempt <= c.opts.ConfirmAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.opts.ConfirmInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		got, err := c.Query(ctx)
		if err != nil {
			return zero, err
		}
		if reflect.DeepEqual(got, want) {
			return got, nil
		}
		last = got
		c.logger.Debug("update not visible yet", "attempt", attempt, "got", got, "want", want)
	}
	return zero, &dispatch.ProtocolError{
		CommandID: c.desc.UpdateID,
		Err:       fmt.Errorf("%w: %s reports %+v, want %+v", ErrUnconfirmed, c.desc.Name, last, want),
	}
}

// QueryValue implements Feature.
func (c *Controller[T]) QueryValue(ctx context.Context) (any, error) {
	return c.Query(ctx)
}

// UpdateJSON decodes a JSON value and applies it. An empty body is the zero value.
func (c *Controller[T]) UpdateJSON(ctx context.Context, data []byte) (any, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &ValidationError{Feature: c.desc.Name, Reason: err.Error()}
		}
	}
	return c.Update(ctx, v)
}

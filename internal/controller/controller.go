// Package controller is the public facade over one Madoka unit: connection
// lifecycle with retries, serialized feature access, status snapshots and
// the event bus the daemon's outer surfaces subscribe to.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/dispatch"
	"madoka-go-home/internal/feature"
	"madoka-go-home/internal/frame"
)

// Config holds connection and exchange settings.
type Config struct {
	Address          string
	ForceDisconnect  bool
	DiscoveryTimeout time.Duration

	ExchangeTimeout  time.Duration
	ExchangeRetries  int
	FailureThreshold int
	ConfirmAttempts  int
	ConfirmInterval  time.Duration

	Retry RetryConfig
}

func (c *Config) applyDefaults() {
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = dispatch.DefaultTimeout
	}
	if c.ExchangeRetries < 0 {
		c.ExchangeRetries = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	c.Retry.applyDefaults()
}

// Option configures a Controller.
type Option func(*Controller)

// WithTracer traces every fragment and exchange.
func WithTracer(t dispatch.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithCodec sets the frame codec (default: length-only framing).
func WithCodec(codec *frame.Codec) Option {
	return func(c *Controller) { c.codec = codec }
}

// WithEventBus publishes events on an existing bus.
func WithEventBus(bus *EventBus) Option {
	return func(c *Controller) { c.events = bus }
}

// Controller talks to one unit. All feature calls are serialized.
type Controller struct {
	link    ble.Link
	evictor ble.Evictor
	cfg     Config
	codec   *frame.Codec
	tracer  dispatch.Tracer
	events  *EventBus
	logger  *slog.Logger

	mu       sync.Mutex
	sess     *ble.Session
	disp     *dispatch.Dispatcher
	failures int
	info     map[string]string

	// current mirrors sess for readers that must not take mu
	current atomic.Pointer[ble.Session]

	// stopping is non-zero while Stop waits for mu; no reconnects then
	stopping atomic.Int32

	statusMu sync.RWMutex
	status   Status

	power    *Feature[feature.PowerState]
	mode     *Feature[feature.OperationMode]
	setPoint *Feature[feature.SetPoint]
	fanSpeed *Feature[feature.FanSpeed]
	filter   *Feature[feature.CleanFilterIndicator]
	reset    *Feature[feature.ResetCleanFilterTimer]
	temps    *Feature[feature.Temperatures]
	byName   map[string]feature.Feature
}

// New builds a controller. No connection is made until Start or the first
// feature call.
func New(link ble.Link, evictor ble.Evictor, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	cfg.applyDefaults()
	logger = logger.With("component", "controller")
	c := &Controller{
		link:    link,
		evictor: evictor,
		cfg:     cfg,
		tracer:  dispatch.NopTracer{},
		logger:  logger,
		status:  Status{Address: cfg.Address},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.codec == nil {
		c.codec = frame.NewCodec(nil)
	}
	if c.events == nil {
		c.events = NewEventBus(logger)
	}

	fopts := feature.Options{
		Timeout:         cfg.ExchangeTimeout,
		ConfirmAttempts: cfg.ConfirmAttempts,
		ConfirmInterval: cfg.ConfirmInterval,
	}
	exec := executor{c}
	c.power = newFeature(c, feature.NewController(feature.PowerStateDesc, exec, fopts, logger))
	c.mode = newFeature(c, feature.NewController(feature.OperationModeDesc, exec, fopts, logger))
	c.setPoint = newFeature(c, feature.NewController(feature.SetPointDesc, exec, fopts, logger))
	c.fanSpeed = newFeature(c, feature.NewController(feature.FanSpeedDesc, exec, fopts, logger))
	c.filter = newFeature(c, feature.NewController(feature.CleanFilterDesc, exec, fopts, logger))
	c.reset = newFeature(c, feature.NewController(feature.ResetCleanFilterDesc, exec, fopts, logger))
	c.temps = newFeature(c, feature.NewController(feature.TemperaturesDesc, exec, fopts, logger))

	c.byName = make(map[string]feature.Feature)
	for _, f := range []feature.Feature{c.power, c.mode, c.setPoint, c.fanSpeed, c.filter, c.reset, c.temps} {
		c.byName[f.Name()] = f
	}
	return c
}

func (c *Controller) PowerState() *Feature[feature.PowerState]                  { return c.power }
func (c *Controller) OperationMode() *Feature[feature.OperationMode]            { return c.mode }
func (c *Controller) SetPoint() *Feature[feature.SetPoint]                      { return c.setPoint }
func (c *Controller) FanSpeed() *Feature[feature.FanSpeed]                      { return c.fanSpeed }
func (c *Controller) CleanFilter() *Feature[feature.CleanFilterIndicator]       { return c.filter }
func (c *Controller) ResetCleanFilter() *Feature[feature.ResetCleanFilterTimer] { return c.reset }
func (c *Controller) Temperatures() *Feature[feature.Temperatures]              { return c.temps }

// Feature looks a feature up by name.
func (c *Controller) Feature(name string) (feature.Feature, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// Features lists the feature names.
func (c *Controller) Features() []string {
	return []string{
		feature.NamePowerState, feature.NameOperationMode, feature.NameSetPoint,
		feature.NameFanSpeed, feature.NameCleanFilterIndicator,
		feature.NameResetCleanFilterTimer, feature.NameTemperatures,
	}
}

// Address returns the unit address.
func (c *Controller) Address() string { return c.cfg.Address }

// Events returns the event bus.
func (c *Controller) Events() *EventBus { return c.events }

// --- Lifecycle ---

// Start connects to the unit under the retry policy.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Stop disconnects. A pending exchange fails with dispatch.ErrClosed instead
// of running to its deadline. The controller can be started again.
func (c *Controller) Stop() {
	c.stopping.Add(1)
	defer c.stopping.Add(-1)
	if sess := c.current.Load(); sess != nil {
		sess.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
}

// State returns the transport session state. It never blocks on a pending
// exchange, so event handlers may call it.
func (c *Controller) State() ble.State {
	sess := c.current.Load()
	if sess == nil {
		return ble.Disconnected
	}
	return sess.State()
}

// ensureConnected must be called with mu held.
func (c *Controller) ensureConnected(ctx context.Context) error {
	if c.stopping.Load() > 0 {
		return fmt.Errorf("controller: stopping: %w", dispatch.ErrClosed)
	}
	if c.sess != nil && c.disp != nil {
		select {
		case <-c.disp.Done():
			c.logger.Warn("link lost")
			c.teardown()
		default:
			return nil
		}
	}

	retryable := func(err error) bool {
		return errors.Is(err, ble.ErrDiscoveryTimeout) || errors.Is(err, ble.ErrConnect)
	}
	return retryWithBackoff(ctx, c.cfg.Retry, c.logger, retryable, func() error {
		sess := ble.NewSession(c.link, c.evictor, ble.Config{
			Address:          c.cfg.Address,
			ForceDisconnect:  c.cfg.ForceDisconnect,
			DiscoveryTimeout: c.cfg.DiscoveryTimeout,
		}, c.logger)
		sess.OnStateChange(func(st ble.State) {
			c.events.Emit(Event{Type: EventStateChange, Data: st.String()})
		})
		if err := sess.Open(ctx); err != nil {
			sess.Close()
			return err
		}
		disp, err := dispatch.New(sess, c.codec, c.logger, dispatch.WithTracer(c.tracer))
		if err != nil {
			sess.Close()
			return err
		}
		c.sess, c.disp = sess, disp
		c.current.Store(sess)
		c.failures = 0
		return nil
	})
}

// teardown must be called with mu held.
func (c *Controller) teardown() {
	if c.sess != nil {
		c.sess.Close()
	}
	if c.disp != nil {
		c.disp.Close()
	}
	c.sess, c.disp = nil, nil
	c.current.Store(nil)
	c.failures = 0
}

// --- Exchanges ---

type executor struct{ c *Controller }

// Execute runs with the facade mutex held by the calling Feature method.
func (e executor) Execute(ctx context.Context, cmd frame.Command, timeout time.Duration) (*frame.Response, error) {
	return e.c.execute(ctx, cmd, timeout)
}

func (c *Controller) execute(ctx context.Context, cmd frame.Command, timeout time.Duration) (*frame.Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.ExchangeRetries; attempt++ {
		resp, err := c.disp.Execute(ctx, cmd, timeout)
		if err == nil {
			c.failures = 0
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, dispatch.ErrTimeout) || ctx.Err() != nil {
			break
		}
		c.logger.Debug("exchange timed out", "cmd", cmd.ID, "attempt", attempt+1)
	}

	kind := Classify(lastErr)
	c.events.Emit(Event{Type: EventExchangeError, Data: ExchangeError{
		CommandID: cmd.ID,
		Kind:      kind.String(),
		Error:     lastErr.Error(),
	}})

	if !countsAsFailure(lastErr) {
		return nil, lastErr
	}
	c.failures++
	if c.failures >= c.cfg.FailureThreshold || errors.Is(lastErr, dispatch.ErrClosed) {
		c.logger.Warn("tearing down link", "failures", c.failures, "err", lastErr)
		c.teardown()
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, lastErr)
	}
	return nil, lastErr
}

// countsAsFailure reports whether err points at a broken link rather than a
// rejected request. Corrupt framing counts: a desynchronized link keeps
// producing it. A well-formed reply with a non-zero status does not.
func countsAsFailure(err error) bool {
	if Classify(err) == KindUnreachable {
		return true
	}
	return errors.Is(err, frame.ErrChecksum) || errors.Is(err, frame.ErrMalformedFragment)
}

// --- Status ---

// Status returns the last snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// SetStatus seeds the snapshot, e.g. from persistent storage.
func (c *Controller) SetStatus(s Status) {
	c.statusMu.Lock()
	s.Address = c.cfg.Address
	c.status = s
	c.statusMu.Unlock()
}

func (c *Controller) record(v any) {
	c.statusMu.Lock()
	c.status.apply(v)
	c.status.UpdatedAt = time.Now()
	c.statusMu.Unlock()
}

// Refresh queries every queryable feature. Per-feature errors are joined;
// the refresh stops early once the unit is unreachable.
func (c *Controller) Refresh(ctx context.Context) (Status, error) {
	c.mu.Lock()
	var errs []error
	for _, q := range []interface {
		queryLocked(ctx context.Context) error
	}{c.power, c.mode, c.setPoint, c.fanSpeed, c.temps, c.filter} {
		if err := q.queryLocked(ctx); err != nil {
			errs = append(errs, err)
			if Classify(err) == KindUnreachable || ctx.Err() != nil {
				break
			}
		}
	}
	c.mu.Unlock()

	st := c.Status()
	if len(errs) == 0 || !st.Empty() {
		c.events.Emit(Event{Type: EventStatusUpdate, Data: st})
	}
	return st, errors.Join(errs...)
}

// ReadInfo reads the device information service once and caches it.
func (c *Controller) ReadInfo(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return maps.Clone(c.info), nil
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	info, err := c.sess.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("read device info: %w", err)
	}
	c.info = info
	return maps.Clone(info), nil
}

// SetInfo seeds the device info cache.
func (c *Controller) SetInfo(info map[string]string) {
	c.mu.Lock()
	c.info = maps.Clone(info)
	c.mu.Unlock()
}

// --- Feature facade ---

// Feature serializes one feature's calls through the controller and keeps
// the status snapshot current.
type Feature[T any] struct {
	c  *Controller
	fc *feature.Controller[T]
}

func newFeature[T any](c *Controller, fc *feature.Controller[T]) *Feature[T] {
	return &Feature[T]{c: c, fc: fc}
}

func (f *Feature[T]) Name() string    { return f.fc.Name() }
func (f *Feature[T]) Queryable() bool { return f.fc.Queryable() }
func (f *Feature[T]) Updatable() bool { return f.fc.Updatable() }

// Query reads the value from the unit.
func (f *Feature[T]) Query(ctx context.Context) (T, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	v, err := f.fc.Query(ctx)
	if err == nil {
		f.c.record(v)
	}
	return v, err
}

func (f *Feature[T]) queryLocked(ctx context.Context) error {
	v, err := f.fc.Query(ctx)
	if err != nil {
		return err
	}
	f.c.record(v)
	return nil
}

// Update writes v and publishes a feature_update event.
func (f *Feature[T]) Update(ctx context.Context, v T) (T, error) {
	f.c.mu.Lock()
	got, err := f.fc.Update(ctx, v)
	f.c.mu.Unlock()
	if err != nil {
		return got, err
	}
	f.c.record(got)
	f.c.events.Emit(Event{Type: EventFeatureUpdate, Data: FeatureUpdate{Feature: f.Name(), Value: got}})
	return got, nil
}

func (f *Feature[T]) QueryValue(ctx context.Context) (any, error) {
	return f.Query(ctx)
}

func (f *Feature[T]) UpdateJSON(ctx context.Context, data []byte) (any, error) {
	f.c.mu.Lock()
	got, err := f.fc.UpdateJSON(ctx, data)
	f.c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.c.record(got)
	f.c.events.Emit(Event{Type: EventFeatureUpdate, Data: FeatureUpdate{Feature: f.Name(), Value: got}})
	return got, nil
}

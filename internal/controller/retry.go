package controller

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig controls reconnection attempts.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter is the maximum extra delay as a fraction of the base delay.
	Jitter float64
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// backoff yields exponentially growing delays with jitter.
type backoff struct {
	current time.Duration
	max     time.Duration
	jitter  float64
	rng     *rand.Rand
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{
		current: cfg.InitialDelay,
		max:     cfg.MaxDelay,
		jitter:  cfg.Jitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *backoff) next() time.Duration {
	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(delay) * b.jitter * b.rng.Float64())
	}
	b.current = min(b.current*2, b.max)
	return delay
}

// retryWithBackoff calls fn up to MaxAttempts times. It stops early when ctx
// ends or when retryable reports the error as permanent.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger *slog.Logger, retryable func(error) bool, fn func() error) error {
	b := newBackoff(cfg)
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == cfg.MaxAttempts {
			break
		}

		delay := b.next()
		logger.Info("connect failed, retrying", "attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "err", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

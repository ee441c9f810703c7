// Package retry wraps fallible calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config bounds a retry loop. Zero values fall back to the defaults below,
// so retry.Do(ctx, retry.Config{}, op) is safe.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 8 * time.Second
	defaultMultiplier   = 2.0
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	return c
}

// retryable is satisfied by discussion.Error and anything else that carries
// an explicit retry decision.
type retryable interface {
	Retryable() bool
}

// shouldRetry honors an explicit Retryable flag when present; unclassified
// errors are treated as transient.
func shouldRetry(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Do runs op until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is canceled. The last error is
// returned unwrapped so callers keep access to its classification.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

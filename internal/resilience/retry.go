package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds the retries of one provider request. Zero fields take
// the values from DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int // including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the delay, applied in both directions

	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig is the policy for source HTTP calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2,
		Jitter:         0.25,
	}
}

// FromRetryConfig maps the retry config section onto a RetryConfig.
// Non-positive values keep the defaults.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Duration(initialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(maxBackoffMs) * time.Millisecond,
		Jitter:         DefaultRetryConfig().Jitter,
	}.withDefaults()
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	c.Jitter = max(c.Jitter, 0)
	return c
}

// wait is the pause before retry number attempt+1. A server Retry-After
// longer than the backoff wins, still capped at MaxBackoff.
func (c RetryConfig) wait(attempt int, err error) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	w := min(time.Duration(d), c.MaxBackoff)

	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > w {
		w = min(te.RetryAfter, c.MaxBackoff)
	}
	return max(w, 0)
}

// Do runs fn until it succeeds, fails permanently, exhausts MaxAttempts or
// ctx ends. The last error is returned unchanged so callers can inspect it.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt+1 >= cfg.MaxAttempts {
			return zero, err
		}

		w := cfg.wait(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, w)
		}
		timer := time.NewTimer(w)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// RetryLogger logs each retry of a provider operation.
func RetryLogger(provider, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		zap.L().Warn("retrying provider request",
			zap.String("provider", provider),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}

package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Throttle enforces a minimum delay between consecutive requests of one
// source instance. Each source owns its own Throttle.
type Throttle struct {
	minDelay time.Duration
	limiter  *rate.Limiter
}

// NewThrottle returns a Throttle spacing requests at least minDelay apart.
// A non-positive delay disables waiting.
func NewThrottle(minDelay time.Duration) *Throttle {
	t := &Throttle{minDelay: minDelay}
	if minDelay > 0 {
		t.limiter = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return t
}

// MinDelay returns the configured spacing.
func (t *Throttle) MinDelay() time.Duration {
	if t == nil {
		return 0
	}
	return t.minDelay
}

// Wait blocks until the next request may be issued.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return eris.Wrap(t.limiter.Wait(ctx), "source: throttle wait")
}

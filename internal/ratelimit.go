package internal

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// RateConfig tunes one provider's token bucket.
type RateConfig struct {
	// Capacity is the bucket size (burst).
	Capacity int `koanf:"capacity" validate:"gte=1"`
	// Refill is tokens added per second.
	Refill float64 `koanf:"refill" validate:"gt=0"`
	// AcquireTimeout bounds how long a caller blocks for a token.
	AcquireTimeout time.Duration `koanf:"acquire_timeout" validate:"gt=0"`
}

// DefaultRateConfig is deliberately polite: one request a second with a
// small burst.
func DefaultRateConfig() RateConfig {
	return RateConfig{Capacity: 3, Refill: 1, AcquireTimeout: 2 * time.Second}
}

// limiter is a per-provider token bucket. Denials read as rate-limit
// failures so they feed the same breaker as an upstream 429.
type limiter struct {
	bucket  *rate.Limiter
	timeout time.Duration
}

func newLimiter(cfg RateConfig) *limiter {
	return &limiter{
		bucket:  rate.NewLimiter(rate.Limit(cfg.Refill), cfg.Capacity),
		timeout: cfg.AcquireTimeout,
	}
}

// acquire blocks up to the configured timeout for a token. Cancellation of
// the parent context is surfaced as-is; running out of patience is
// errRateLimited.
func (l *limiter) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.bucket.Wait(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errRateLimited, err)
}

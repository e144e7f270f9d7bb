package internal

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryConfig tunes the retry budget shared by provider calls.
type RetryConfig struct {
	Attempts     uint          `koanf:"attempts" validate:"gte=1"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gt=0"`
	// MaxJitter is added uniformly at random to each delay.
	MaxJitter time.Duration `koanf:"max_jitter" validate:"gte=0"`
}

// DefaultRetryConfig: three attempts, exponential from 250ms, jitter capped
// at a fifth of the initial delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 250 * time.Millisecond,
		MaxJitter:    50 * time.Millisecond,
	}
}

// withRetry runs fn with exponential backoff for as long as its error
// classifies as retriable. The last error is returned unwrapped so callers
// can match sentinels. onRetry observes every failed attempt.
func withRetry(ctx context.Context, cfg RetryConfig, onRetry func(n uint, err error), fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxJitter(cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(retriable),
		retry.OnRetry(func(n uint, err error) {
			if onRetry != nil {
				onRetry(n, err)
			}
		}),
		retry.LastErrorOnly(true),
	)
}

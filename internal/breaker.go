package internal

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes one provider's circuit breakers. Rate-limit failures
// trip a separate, slower-recovering breaker than general failures do: being
// throttled means the provider wants a long break, while flakiness usually
// clears quickly.
type BreakerConfig struct {
	RateFailures uint32        `koanf:"rate_failures" validate:"gte=1"`
	RateOpenFor  time.Duration `koanf:"rate_open_for" validate:"gt=0"`

	GeneralFailures uint32        `koanf:"general_failures" validate:"gte=1"`
	GeneralOpenFor  time.Duration `koanf:"general_open_for" validate:"gt=0"`

	// Probes is how many trial requests the half-open state admits.
	Probes uint32 `koanf:"probes" validate:"gte=1"`
}

// DefaultBreakerConfig matches the documented defaults: 3 consecutive
// rate-limit failures open for an hour, 5 general failures open for 15
// minutes, one half-open probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		RateFailures:    3,
		RateOpenFor:     60 * time.Minute,
		GeneralFailures: 5,
		GeneralOpenFor:  15 * time.Minute,
		Probes:          1,
	}
}

// providerBreaker gates calls to one provider. Two breakers compose: the
// inner one watches only rate-limit failures, the outer one watches
// everything else. A 404 is a perfectly healthy answer and counts for
// neither.
type providerBreaker struct {
	name    string
	rate    *gobreaker.CircuitBreaker[[]byte]
	general *gobreaker.CircuitBreaker[[]byte]
}

// newProviderBreaker builds the breaker pair for a provider. onChange, when
// non-nil, observes every state transition (metrics, logs).
func newProviderBreaker(name string, cfg BreakerConfig, onChange func(name string, from, to gobreaker.State)) *providerBreaker {
	stateChange := func(class string) func(string, gobreaker.State, gobreaker.State) {
		return func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(name+":"+class, from, to)
			}
		}
	}

	rateBreaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name + ":rate",
		MaxRequests: cfg.Probes,
		Timeout:     cfg.RateOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.RateFailures
		},
		IsSuccessful: func(err error) bool {
			// Only throttling counts against this breaker.
			return !isRateLimited(err)
		},
		OnStateChange: stateChange("rate"),
	})

	generalBreaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name + ":general",
		MaxRequests: cfg.Probes,
		Interval:    time.Minute,
		Timeout:     cfg.GeneralOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.GeneralFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || isNotFound(err) || isRateLimited(err) {
				return true
			}
			// The inner breaker refusing a call is not a provider failure.
			return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		},
		OnStateChange: stateChange("general"),
	})

	return &providerBreaker{name: name, rate: rateBreaker, general: generalBreaker}
}

// Do runs fn behind both breakers. Refusals surface as errRateLimited (rate
// breaker) or a 503 statusErr (general breaker) so callers handle them like
// any other provider outcome.
func (b *providerBreaker) Do(fn func() ([]byte, error)) ([]byte, error) {
	out, err := b.general.Execute(func() ([]byte, error) {
		return b.rate.Execute(fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if b.rate.State() != gobreaker.StateClosed {
			return nil, errors.Join(errRateLimited, err)
		}
		return nil, errors.Join(statusErr(503), err)
	}
	return out, err
}

// Allow reports whether a call would currently be admitted. Half-open counts
// as allowed; the probe budget is enforced by Do.
func (b *providerBreaker) Allow() bool {
	return b.rate.State() != gobreaker.StateOpen && b.general.State() != gobreaker.StateOpen
}

// State returns the more restrictive of the two breaker states.
func (b *providerBreaker) State() gobreaker.State {
	rs, gs := b.rate.State(), b.general.State()
	if rs == gobreaker.StateOpen || gs == gobreaker.StateOpen {
		return gobreaker.StateOpen
	}
	if rs == gobreaker.StateHalfOpen || gs == gobreaker.StateHalfOpen {
		return gobreaker.StateHalfOpen
	}
	return gobreaker.StateClosed
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Per-call limits shared by every provider client.
const (
	_callTimeout     = 5 * time.Second
	_maxResponseSize = 16 << 20
)

//go:generate mockgen -source provider.go -destination mock.go -package internal

// providerResult is one upstream response: the raw payload as received, plus
// the books parsed out of it.
type providerResult struct {
	Raw   []byte
	Books []*Book
}

// providerClient is a book metadata source. Implementations are responsible
// for their own resilience (limiter, breaker, retry) so callers just see
// errors.
type providerClient interface {
	Name() Source
	FetchByID(ctx context.Context, externalID string) (providerResult, error)
	FetchByISBN(ctx context.Context, isbn string) (providerResult, error)
	Search(ctx context.Context, query string, qualifiers map[string]Qualifier, limit int) (providerResult, error)
}

// coverProvider supplies cover image candidate URLs for a book. Some metadata
// providers double as cover providers; Longitood is covers only.
type coverProvider interface {
	Name() Source
	CoverCandidates(ctx context.Context, book *Book) ([]string, error)
}

// ProviderConfig is the resilience tuning shared by all providers, overridable
// per provider in config.
type ProviderConfig struct {
	Rate    RateConfig    `koanf:"rate"`
	Breaker BreakerConfig `koanf:"breaker"`
	Retry   RetryConfig   `koanf:"retry"`
}

// DefaultProviderConfig returns the documented defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Rate:    DefaultRateConfig(),
		Breaker: DefaultBreakerConfig(),
		Retry:   DefaultRetryConfig(),
	}
}

// resilience stacks the provider-side protections in their required order:
// retry wraps the breaker, the breaker wraps the limiter, the limiter gates
// the actual HTTP call. A limiter denial therefore counts against the rate
// breaker, and the retry loop sees breaker refusals as retriable throttling.
type resilience struct {
	source  Source
	breaker *providerBreaker
	limiter *limiter
	retry   RetryConfig
	metrics *providerMetrics
}

func newResilience(source Source, cfg ProviderConfig, metrics *providerMetrics) *resilience {
	return &resilience{
		source:  source,
		breaker: newProviderBreaker(string(source), cfg.Breaker, metrics.stateChanged),
		limiter: newLimiter(cfg.Rate),
		retry:   cfg.Retry,
		metrics: metrics,
	}
}

func (r *resilience) call(ctx context.Context, op string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	var out []byte
	err := withRetry(ctx, r.retry,
		func(_ uint, _ error) { r.metrics.retryInc(r.source, op) },
		func() error {
			var err error
			out, err = r.breaker.Do(func() ([]byte, error) {
				if err := r.limiter.acquire(ctx); err != nil {
					return nil, err
				}
				return fn(ctx)
			})
			return err
		})

	switch {
	case err == nil:
		r.metrics.callInc(r.source, op, "ok")
	case isNotFound(err):
		r.metrics.callInc(r.source, op, "not_found")
	case isRateLimited(err):
		r.metrics.callInc(r.source, op, "rate_limited")
	default:
		r.metrics.callInc(r.source, op, "error")
	}
	return out, err
}

// getJSON performs one bounded GET through the provider's layered client.
// Status mapping happens in errorProxyTransport; this only shuttles bytes.
func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, _callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		// client.Do wraps transport errors in *url.Error; surface the
		// statusErr underneath so classifiers match directly.
		var s statusErr
		if errors.As(err, &s) {
			return nil, s
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, _maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

package internal

import (
	"net/http"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits requests for host politeness. Providers
// additionally go through their own token bucket before a request is built;
// this layer protects hosts we hit outside that path (cover image fetches).
type throttledTransport struct {
	http.RoundTripper
	Limiter *rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport restricts requests to a particular host.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects can't
// send us elsewhere. Helpful to ensuring credentials don't leak to other
// domains.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Best used with a
// ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip always sets the header on the request.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// paramTransport adds a query parameter to all requests. GoogleBooks and NYT
// take their API keys this way.
type paramTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip sets the query parameter on the request, leaving any existing
// value alone.
func (t *paramTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	q := r.URL.Query()
	if q.Get(t.Key) == "" {
		q.Set(t.Key, t.Value)
		r.URL.RawQuery = q.Encode()
	}
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so callers deal in errors, not status codes. 404 and 429 come
// back as errNotFound and errRateLimited for the breaker's benefit.
type errorProxyTransport struct {
	http.RoundTripper
}

// RoundTrip wraps upstream 4XX and 5XX responses in a statusErr.
func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

// newProviderClient builds the stacked client every provider shares: errors
// surfaced as statusErr, requests pinned to the provider's host, a tagged
// User-Agent, and optionally an API key query parameter.
func newProviderClient(host, paramKey, paramValue string) *http.Client {
	var rt http.RoundTripper = &HeaderTransport{
		Key:          "User-Agent",
		Value:        _userAgent,
		RoundTripper: http.DefaultTransport,
	}
	if paramKey != "" && paramValue != "" {
		rt = &paramTransport{Key: paramKey, Value: paramValue, RoundTripper: rt}
	}
	return &http.Client{
		Transport: errorProxyTransport{
			ScopedTransport{Host: host, RoundTripper: rt},
		},
	}
}

const _userAgent = "lectern/1 (+https://github.com/bmeredith/lectern)"

package internal

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// statusErr is an error which carries an HTTP status code. The handler
// surfaces the code to clients; everything else matches it with errors.As.
type statusErr int

func (s statusErr) Error() string {
	return http.StatusText(int(s))
}

// Status returns the HTTP status code associated with the error.
func (s statusErr) Status() int {
	return int(s)
}

var (
	// errNotFound is returned when a resource doesn't exist locally or
	// upstream. Misses are cached so we don't hammer providers.
	errNotFound = statusErr(http.StatusNotFound)

	// errBadRequest is returned for unusable input.
	errBadRequest = statusErr(http.StatusBadRequest)

	// errRateLimited is returned when a provider throttles us. It trips the
	// rate breaker faster than ordinary failures do.
	errRateLimited = statusErr(http.StatusTooManyRequests)

	// errCorrupt marks a payload the parser couldn't repair. The source is
	// skipped, never retried.
	errCorrupt = errors.New("corrupt payload")

	// errDataIntegrity marks an upsert that hit a constraint the algorithm
	// should have made impossible. Surfaced with full context.
	errDataIntegrity = errors.New("data integrity violation")
)

// isNotFound reports whether err reduces to a 404.
func isNotFound(err error) bool {
	var s statusErr
	return errors.As(err, &s) && s.Status() == http.StatusNotFound
}

// isRateLimited reports whether err was caused by provider throttling,
// including breaker denials which stand in for the upstream's 429.
func isRateLimited(err error) bool {
	var s statusErr
	return errors.As(err, &s) && s.Status() == http.StatusTooManyRequests
}

// retriable classifies an error as worth another attempt. Network weather,
// timeouts, and 5xx responses qualify. Rate limits get one more try on the
// theory that the backoff may outlive the throttle. Everything else -- 4xx,
// missing resources, corrupt payloads -- is permanent.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, errCorrupt) || errors.Is(err, errDataIntegrity) {
		return false
	}
	var s statusErr
	if errors.As(err, &s) {
		return s.Status() == http.StatusTooManyRequests || s.Status() >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

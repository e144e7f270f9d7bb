package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusErr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Not Found", errNotFound.Error())
	assert.Equal(t, http.StatusNotFound, errNotFound.Status())

	// Matching survives wrapping.
	wrapped := fmt.Errorf("lookup failed: %w", errNotFound)
	assert.True(t, isNotFound(wrapped))
	assert.True(t, isRateLimited(errors.Join(errRateLimited, errors.New("upstream 429"))))
	assert.False(t, isNotFound(errRateLimited))
}

func TestRetriable(t *testing.T) {
	t.Parallel()

	assert.False(t, retriable(nil))
	assert.False(t, retriable(context.Canceled))
	assert.False(t, retriable(errNotFound))
	assert.False(t, retriable(errBadRequest))
	assert.False(t, retriable(errCorrupt))
	assert.False(t, retriable(errDataIntegrity))

	assert.True(t, retriable(errRateLimited))
	assert.True(t, retriable(statusErr(http.StatusInternalServerError)))
	assert.True(t, retriable(statusErr(http.StatusBadGateway)))
	assert.True(t, retriable(context.DeadlineExceeded))
	assert.True(t, retriable(&net.DNSError{Err: "no such host", IsTemporary: true}))

	// Wrapped classifications hold.
	assert.True(t, retriable(fmt.Errorf("call failed: %w", statusErr(503))))
	assert.False(t, retriable(fmt.Errorf("parse failed: %w", errCorrupt)))
}

package internal

import (
	"context"
	"net/http"
	"sync"
)

// roundTripFunc lets tests stub a provider's HTTP client inline.
type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// stubClient builds the same layered client the providers use, with the
// network swapped out for fn.
func stubClient(host string, fn roundTripFunc) *http.Client {
	return &http.Client{
		Transport: errorProxyTransport{
			ScopedTransport{Host: host, RoundTripper: fn},
		},
	}
}

// memObjectStore is an in-memory objectStore for payload cache, cover, and
// sitemap tests.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	public  string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
}

var _ objectStore = (*memObjectStore)(nil)

func (m *memObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.objects[key]
	if !ok {
		return nil, errNotFound
	}
	return blob, nil
}

func (m *memObjectStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	m.types[key] = contentType
	return nil
}

func (m *memObjectStore) Head(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) PublicURL(key string) string {
	if m.public == "" {
		return ""
	}
	return m.public + "/" + key
}

func (m *memObjectStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// testProviderMetrics builds metrics against a throwaway registry.
func testProviderMetrics() *providerMetrics {
	return newProviderMetrics(nil)
}

func testResolverMetrics() *resolverMetrics {
	return newResolverMetrics(nil)
}

func testCoverMetrics() *coverMetrics {
	return newCoverMetrics(nil)
}

func testJobMetrics() *jobMetrics {
	return newJobMetrics(nil)
}

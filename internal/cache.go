package internal

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// cache is the interface shared by our in-memory cache layers. The resolver
// caches raw identifier mappings and negative lookups; the cover pipeline
// caches selection states.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// memoryCache is a size-capped in-memory cache. Reads are lock-free; writes
// go through ristretto's buffers and are applied synchronously so tests can
// read their own writes.
type memoryCache[T any] struct {
	mgr     *gocache.Cache[T]
	metrics *cacheMetrics
}

var _ cache[[]byte] = (*memoryCache[[]byte])(nil)

// newMemoryCache constructs a cache bounded to roughly maxCost bytes.
func newMemoryCache[T any](maxCost int64) *memoryCache[T] {
	return newMeteredCache[T](maxCost, nil)
}

// newMeteredCache is newMemoryCache with hit/miss accounting.
func newMeteredCache[T any](maxCost int64, metrics *cacheMetrics) *memoryCache[T] {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		panic(err) // Static config, can't fail.
	}
	s := ristretto_store.NewRistretto(rc, store.WithSynchronousSet())
	return &memoryCache[T]{mgr: gocache.New[T](s), metrics: metrics}
}

func (c *memoryCache[T]) Get(ctx context.Context, key string) (T, bool) {
	v, err := c.mgr.Get(ctx, key)
	c.count(err == nil)
	return v, err == nil
}

func (c *memoryCache[T]) GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool) {
	v, ttl, err := c.mgr.GetWithTTL(ctx, key)
	c.count(err == nil)
	return v, ttl, err == nil
}

func (c *memoryCache[T]) count(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.cacheHitInc()
	} else {
		c.metrics.cacheMissInc()
	}
}

func (c *memoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	return c.mgr.Set(ctx, key, value, store.WithExpiration(ttl))
}

func (c *memoryCache[T]) Delete(ctx context.Context, key string) error {
	return c.mgr.Delete(ctx, key)
}

// fuzz scales the given duration into the range (d, d * f) so a burst of
// writes doesn't expire as a thundering herd.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}

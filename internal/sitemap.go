package internal

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// _sitemapKey is where the accumulated slug snapshot lives in the object
// store. Downstream site generators read it instead of crawling us.
const _sitemapKey = "sitemap/v1/accumulated-ids.json.gz"

// sitemapDoc is the snapshot envelope.
type sitemapDoc struct {
	GeneratedAt time.Time   `json:"generatedAt"`
	Count       int         `json:"count"`
	Entries     []SlugEntry `json:"entries"`
}

// slugLister is the store surface the emitter needs.
type slugLister interface {
	SlugSnapshot(ctx context.Context) ([]SlugEntry, error)
}

// SitemapEmitter writes the gzipped slug snapshot to the object store.
type SitemapEmitter struct {
	store   slugLister
	objects objectStore
	key     string
}

// NewSitemapEmitter builds the emitter. key overrides the default object key
// when non-empty.
func NewSitemapEmitter(store slugLister, objects objectStore, key string) *SitemapEmitter {
	if key == "" {
		key = _sitemapKey
	}
	return &SitemapEmitter{store: store, objects: objects, key: key}
}

// Emit snapshots and uploads. Entries come back newest-first from the store.
func (s *SitemapEmitter) Emit(ctx context.Context) error {
	entries, err := s.store.SlugSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting slugs: %w", err)
	}

	doc := sitemapDoc{
		GeneratedAt: time.Now().UTC(),
		Count:       len(entries),
		Entries:     entries,
	}
	payload, err := sonic.ConfigStd.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding sitemap: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := s.objects.Put(ctx, s.key, buf.Bytes(), "application/json"); err != nil {
		return fmt.Errorf("uploading sitemap: %w", err)
	}
	Log(ctx).Info("sitemap emitted", "slugs", len(entries), "bytes", buf.Len())
	return nil
}

package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron specs (standard 5-field) and job tuning.
// An empty spec disables that job.
type SchedulerConfig struct {
	WarmSpec       string `koanf:"warm_spec"`
	BestsellerSpec string `koanf:"bestseller_spec"`
	SitemapSpec    string `koanf:"sitemap_spec"`
	// SearchRefreshSpec is the cron fallback behind the event-driven
	// debouncer, for deployments where write bursts outlive the process.
	SearchRefreshSpec string `koanf:"search_refresh_spec"`

	WarmLimit  int           `koanf:"warm_limit" validate:"gte=1"`
	JobTimeout time.Duration `koanf:"job_timeout" validate:"gt=0"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WarmSpec:          "30 4 * * *",
		BestsellerSpec:    "0 8 * * 3",
		SitemapSpec:       "15 * * * *",
		SearchRefreshSpec: "*/30 * * * *",
		WarmLimit:         200,
		JobTimeout:        20 * time.Minute,
	}
}

// schedulerStore is the store surface the jobs need.
type schedulerStore interface {
	RecentlyViewed(ctx context.Context, limit int) ([]uuid.UUID, error)
	SlugSnapshot(ctx context.Context) ([]SlugEntry, error)
	Upsert(ctx context.Context, book *Book, raws []RawPayload) (uuid.UUID, error)
	UpsertBestsellerMembership(ctx context.Context, key uuid.UUID, m Membership) error
	RefreshSearchIndex(ctx context.Context) error
}

// bookFetcher is the resolver surface the jobs need.
type bookFetcher interface {
	FetchByID(ctx context.Context, identifier string) (*Book, error)
}

// jobRunner wraps one cron job: at-most-one run at a time (late runs are
// suppressed, not queued), a hard timeout, panic containment, and run
// metrics.
type jobRunner struct {
	name    string
	timeout time.Duration
	metrics *jobMetrics
	fn      func(ctx context.Context) error

	mu sync.Mutex
}

func (j *jobRunner) Run() {
	if !j.mu.TryLock() {
		j.metrics.suppressed(j.name)
		Log(context.Background()).Warn("job still running, skipping", "job", j.name)
		return
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.fn(ctx)
	}()

	j.metrics.ran(j.name, time.Since(start), err)
	if err != nil {
		Log(ctx).Error("job failed", "job", j.name, "took", time.Since(start), "err", err)
		return
	}
	Log(ctx).Info("job finished", "job", j.name, "took", time.Since(start))
}

// Scheduler owns the cron jobs: cache warming, bestseller ingestion, sitemap
// snapshots, and the search-index refresh fallback. Implements
// suture.Service.
type Scheduler struct {
	cfg      SchedulerConfig
	store    schedulerStore
	resolver bookFetcher
	nyt      *NYT
	sitemap  *SitemapEmitter
	metrics  *jobMetrics
	cron     *cron.Cron
}

// NewScheduler wires the jobs. nyt and sitemap may be nil to disable those
// jobs regardless of spec.
func NewScheduler(cfg SchedulerConfig, store schedulerStore, resolver bookFetcher, nyt *NYT, sitemap *SitemapEmitter, metrics *jobMetrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		nyt:      nyt,
		sitemap:  sitemap,
		metrics:  metrics,
		cron:     cron.New(),
	}
}

// Serve registers and runs the jobs until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context) error
	}{
		{"cache_warm", s.cfg.WarmSpec, s.Warm},
		{"bestsellers", s.cfg.BestsellerSpec, s.IngestBestsellers},
		{"sitemap", s.cfg.SitemapSpec, s.EmitSitemap},
		{"search_refresh", s.cfg.SearchRefreshSpec, s.store.RefreshSearchIndex},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		runner := &jobRunner{
			name:    job.name,
			timeout: s.cfg.JobTimeout,
			metrics: s.metrics,
			fn:      job.fn,
		}
		if _, err := s.cron.AddJob(job.spec, runner); err != nil {
			return fmt.Errorf("scheduling %s (%q): %w", job.name, job.spec, err)
		}
	}

	s.cron.Start()
	<-ctx.Done()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		Log(ctx).Warn("jobs still running at shutdown")
	}
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// Warm re-resolves recently viewed books so their caches and covers stay
// fresh. The provider limiters naturally pace the walk.
func (s *Scheduler) Warm(ctx context.Context) error {
	keys, err := s.store.RecentlyViewed(ctx, s.cfg.WarmLimit)
	if err != nil {
		return fmt.Errorf("listing recently viewed: %w", err)
	}

	warmed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.resolver.FetchByID(ctx, key.String()); err != nil {
			Log(ctx).Debug("problem warming book", "book", key, "err", err)
			continue
		}
		warmed++
	}
	Log(ctx).Info("cache warmed", "requested", len(keys), "warmed", warmed)
	return nil
}

// IngestBestsellers pulls the current NYT charts, hydrates every entry
// through the normal pipeline, and records its list membership.
func (s *Scheduler) IngestBestsellers(ctx context.Context) error {
	if s.nyt == nil {
		return nil
	}
	entries, err := s.nyt.FullOverview(ctx)
	if err != nil {
		return fmt.Errorf("fetching bestsellers: %w", err)
	}

	var failures int
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := s.ingestEntry(ctx, entry); err != nil {
			failures++
			Log(ctx).Warn("problem ingesting bestseller", "title", entry.Book.Title, "err", err)
		}
	}
	Log(ctx).Info("bestsellers ingested", "entries", len(entries), "failures", failures)
	if failures == len(entries) {
		return fmt.Errorf("all %d entries failed", failures)
	}
	return nil
}

func (s *Scheduler) ingestEntry(ctx context.Context, entry BestsellerEntry) error {
	key, err := s.store.Upsert(ctx, entry.Book, []RawPayload{{
		Source:    SourceNYT,
		JSON:      entry.Raw,
		FetchedAt: time.Now().UTC(),
	}})
	if err != nil {
		return err
	}

	// Full hydration from the richer providers, best effort.
	if isbn := entry.Book.ISBN13; isbn != "" {
		if _, err := s.resolver.FetchByID(ctx, isbn); err != nil && !isNotFound(err) {
			Log(ctx).Debug("problem hydrating bestseller", "book", key, "err", err)
		}
	}

	return s.store.UpsertBestsellerMembership(ctx, key, entry.Membership)
}

// EmitSitemap snapshots every addressable slug into the object store.
func (s *Scheduler) EmitSitemap(ctx context.Context) error {
	if s.sitemap == nil {
		return nil
	}
	return s.sitemap.Emit(ctx)
}

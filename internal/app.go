package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// AppOptions carries the CLI-level settings; everything tunable lives in
// Config.
type AppOptions struct {
	DSN          string
	Addr         string
	GoogleAPIKey string
	NYTAPIKey    string
	S3           S3Config
	Config       *Config
}

// App owns the wired engine. Construct with NewApp, run with Serve, or call
// the one-shot operations directly.
type App struct {
	Store    *Store
	Resolver *Resolver
	Registry *prometheus.Registry

	opts      AppOptions
	cfg       *Config
	events    *Events
	covers    *Covers
	recs      *Recommendations
	scheduler *Scheduler
	sitemap   *SitemapEmitter
	consumers *EventConsumers
	mux       http.Handler
}

// NewApp connects the store and assembles the full pipeline.
func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(); err != nil {
			return nil, err
		}
	}

	store, err := NewStore(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting store: %w", err)
	}

	reg := NewMetrics()
	store.SetMetrics(newDBMetrics(store.Pool(), reg))
	providerM := newProviderMetrics(reg)
	resolverM := newResolverMetrics(reg)
	coverM := newCoverMetrics(reg)
	jobM := newJobMetrics(reg)
	cacheM := newCacheMetrics(reg)

	var objects objectStore = nopStore{}
	if opts.S3.Bucket != "" {
		s3, err := NewS3Store(ctx, opts.S3)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting object store: %w", err)
		}
		objects = s3
	}

	google := NewGoogleBooks(opts.GoogleAPIKey, cfg.Google, providerM)
	openLibrary := NewOpenLibrary(cfg.OpenLibrary, providerM)
	longitood := NewLongitood(cfg.Longitood, providerM)

	var nyt *NYT
	if opts.NYTAPIKey != "" {
		nyt = NewNYT(opts.NYTAPIKey, cfg.NYT, providerM)
	}

	events := NewEvents()
	covers := NewCovers(cfg.Cover, store, objects,
		[]coverProvider{google, openLibrary, longitood}, events, coverM, cacheM)
	recs := NewRecommendations(store, resolverM)

	resolver := NewResolver(
		cfg.Resolver,
		store,
		newPayloadCache(objects),
		[]providerClient{google, openLibrary},
		google,
		covers,
		recs,
		events,
		resolverM,
		cacheM,
	)

	sitemap := NewSitemapEmitter(store, objects, cfg.SitemapKey)
	scheduler := NewScheduler(cfg.Scheduler, store, resolver, nyt, sitemap, jobM)
	consumers := NewEventConsumers(events, store, cfg.SearchRefreshQuiet, jobM)

	api := NewAPI(resolver, covers, recs, store)

	return &App{
		Store:     store,
		Resolver:  resolver,
		Registry:  reg,
		opts:      opts,
		cfg:       cfg,
		events:    events,
		covers:    covers,
		recs:      recs,
		scheduler: scheduler,
		sitemap:   sitemap,
		consumers: consumers,
		mux:       NewMux(api, reg),
	}, nil
}

// Serve runs everything under one supervisor until ctx is canceled: event
// consumers, the cron scheduler, and the HTTP server.
func (a *App) Serve(ctx context.Context) error {
	hook := &sutureslog.Handler{Logger: Slogger()}
	root := suture.New("lectern", suture.Spec{
		EventHook: hook.MustHook(),
	})

	root.Add(a.consumers)
	root.Add(a.scheduler)
	root.Add(&httpService{
		srv: &http.Server{
			Addr:              a.opts.Addr,
			Handler:           a.mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	})

	Log(ctx).Info("serving", "addr", a.opts.Addr)
	err := root.Serve(ctx)

	// Drain background persistence before letting go of the store.
	if werr := a.Resolver.Wait(); werr != nil {
		Log(ctx).Warn("problem draining background work", "err", werr)
	}
	a.Close()
	if err != nil && ctx.Err() != nil {
		return nil // Clean shutdown.
	}
	return err
}

// Warm runs the cache warming job once.
func (a *App) Warm(ctx context.Context, limit int) error {
	if limit > 0 {
		a.cfg.Scheduler.WarmLimit = limit
	}
	return a.scheduler.Warm(ctx)
}

// Snapshot emits the sitemap once.
func (a *App) Snapshot(ctx context.Context) error {
	return a.sitemap.Emit(ctx)
}

// Close releases connections. Safe after Serve returns.
func (a *App) Close() {
	_ = a.events.Close()
	a.Store.Close()
}

// httpService adapts http.Server to suture.Service.
type httpService struct {
	srv *http.Server
}

func (s *httpService) Serve(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() { errs <- s.srv.ListenAndServe() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *httpService) String() string { return "http" }

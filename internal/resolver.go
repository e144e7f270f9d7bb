package internal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// _missing is the negative-cache sentinel: an identifier we recently failed
// to resolve anywhere, cached briefly so repeat lookups don't walk the whole
// ladder again.
var _missing = []byte{0}

// ResolverConfig tunes the tiered resolution pipeline.
type ResolverConfig struct {
	// ResolveTimeout bounds one full FetchByID walk across all tiers.
	ResolveTimeout time.Duration `koanf:"resolve_timeout" validate:"gt=0"`
	// NegativeTTL is how long a miss is remembered. Jittered on write.
	NegativeTTL time.Duration `koanf:"negative_ttl" validate:"gt=0"`
	// PersistWorkers bounds concurrent background persistence.
	PersistWorkers int `koanf:"persist_workers" validate:"gte=1"`
	// SearchLimit caps results returned from any search tier.
	SearchLimit int `koanf:"search_limit" validate:"gte=1"`
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ResolveTimeout: 15 * time.Second,
		NegativeTTL:    15 * time.Minute,
		PersistWorkers: 4,
		SearchLimit:    20,
	}
}

// resolverStore is the store surface resolution needs. Tests substitute an
// in-memory implementation.
type resolverStore interface {
	identityStore
	Upsert(ctx context.Context, book *Book, raws []RawPayload) (uuid.UUID, error)
	FetchByKey(ctx context.Context, key uuid.UUID) (*Book, error)
	SearchBooks(ctx context.Context, query string, limit int) ([]SearchResult, error)
	SearchAuthors(ctx context.Context, query string, limit int) ([]AuthorResult, error)
	TouchViewed(ctx context.Context, key uuid.UUID)
}

// refresher is anything that wants a poke after a book changes: the cover
// pipeline and the recommendation engine.
type refresher interface {
	Refresh(book *Book)
}

// nopRefresher keeps optional pipelines pluggable in tests.
type nopRefresher struct{}

func (nopRefresher) Refresh(*Book) {}

// Resolver walks the data tiers for a book: canonical store, payload cache,
// then live providers in precedence order. Whatever tier answers, the ones
// below it get backfilled.
type Resolver struct {
	cfg       ResolverConfig
	store     resolverStore
	identity  *IdentityResolver
	payloads  *payloadCache
	providers []providerClient
	google    *GoogleBooks // Search fallback needs the keyless variant.
	covers    refresher
	recs      refresher
	events    *Events
	negative  cache[[]byte]
	metrics   *resolverMetrics

	flight  singleflight.Group
	persist *errgroup.Group
}

// NewResolver wires the pipeline. google may be nil when GoogleBooks is not
// among the providers; covers, recs, events, and caches may be nil.
func NewResolver(
	cfg ResolverConfig,
	store resolverStore,
	payloads *payloadCache,
	providers []providerClient,
	google *GoogleBooks,
	covers, recs refresher,
	events *Events,
	metrics *resolverMetrics,
	caches *cacheMetrics,
) *Resolver {
	if covers == nil {
		covers = nopRefresher{}
	}
	if recs == nil {
		recs = nopRefresher{}
	}
	persist := &errgroup.Group{}
	persist.SetLimit(cfg.PersistWorkers)
	return &Resolver{
		cfg:       cfg,
		store:     store,
		identity:  NewIdentityResolver(store),
		payloads:  payloads,
		providers: providers,
		google:    google,
		covers:    covers,
		recs:      recs,
		events:    events,
		negative:  newMeteredCache[[]byte](16<<20, caches),
		metrics:   metrics,
		persist:   persist,
	}
}

// FetchByID resolves any identifier to a fully hydrated book. Concurrent
// lookups of the same identifier coalesce; the winner's answer is shared.
func (r *Resolver) FetchByID(ctx context.Context, identifier string) (*Book, error) {
	out, err, _ := r.flight.Do(identifier, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.ResolveTimeout)
		defer cancel()
		return r.fetch(ctx, identifier)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Book), nil
}

func (r *Resolver) fetch(ctx context.Context, identifier string) (*Book, error) {
	if _, ok := r.negative.Get(ctx, idKey(identifier)); ok {
		r.metrics.tierInc("negative", "hit")
		return nil, errNotFound
	}

	// Tier 1: canonical store.
	key, err := r.identity.Resolve(ctx, identifier)
	switch {
	case err == nil:
		book, err := r.store.FetchByKey(ctx, key)
		if err == nil {
			r.metrics.tierInc("store", "hit")
			go r.store.TouchViewed(context.WithoutCancel(ctx), key)
			return book, nil
		}
		if !isNotFound(err) {
			Log(ctx).Warn("problem fetching book", "book", key, "err", err)
		}
	case isNotFound(err):
		// Fall through to the outer tiers.
	default:
		return nil, err
	}
	r.metrics.tierInc("store", "miss")

	// Tier 2: payload cache, keyed by external id. Corrupt blobs are dropped
	// and refetched below.
	if book, err := r.fromPayloadCache(ctx, identifier); err == nil {
		r.metrics.tierInc("payload_cache", "hit")
		return book, nil
	} else if !isNotFound(err) {
		Log(ctx).Warn("problem reading payload cache", "identifier", identifier, "err", err)
	}
	r.metrics.tierInc("payload_cache", "miss")

	// Tier 3: live providers in precedence order.
	book, err := r.fromProviders(ctx, identifier)
	if err == nil {
		r.metrics.tierInc("provider", "hit")
		return book, nil
	}
	r.metrics.tierInc("provider", "miss")

	r.negative.Set(ctx, idKey(identifier), _missing, fuzz(r.cfg.NegativeTTL, 1.2))
	return nil, errNotFound
}

func (r *Resolver) fromPayloadCache(ctx context.Context, identifier string) (*Book, error) {
	if r.payloads == nil {
		return nil, errNotFound
	}
	raw, err := r.payloads.Fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}

	books, err := parsePayload(raw, SourceS3Cache)
	if err != nil {
		// Unreadable blob: evict so the next lookup goes upstream clean.
		_ = r.payloads.Delete(ctx, identifier)
		return nil, err
	}

	book := books[0]
	key, err := r.store.Upsert(ctx, book, []RawPayload{{
		Source:    SourceS3Cache,
		JSON:      raw,
		FetchedAt: time.Now().UTC(),
	}})
	if err != nil {
		Log(ctx).Warn("problem persisting cached payload", "identifier", identifier, "err", err)
		return book, nil // Serve the parse even if persistence hiccuped.
	}
	r.afterHydrate(ctx, key, book)

	hydrated, err := r.store.FetchByKey(ctx, key)
	if err != nil {
		return book, nil
	}
	return hydrated, nil
}

func (r *Resolver) fromProviders(ctx context.Context, identifier string) (*Book, error) {
	isbn := sanitizeISBN(identifier)
	byISBN := isISBN13(isbn) || isISBN10(isbn)

	collected := map[Source]*Book{}
	raws := make([]RawPayload, 0, len(r.providers))
	for _, p := range r.providers {
		if ctx.Err() != nil {
			break
		}
		var (
			result providerResult
			err    error
		)
		if byISBN {
			result, err = p.FetchByISBN(ctx, isbn)
		} else {
			result, err = p.FetchByID(ctx, identifier)
		}
		if err != nil {
			if !isNotFound(err) {
				Log(ctx).Warn("provider lookup failed", "provider", p.Name(), "identifier", identifier, "err", err)
			}
			continue
		}
		if len(result.Books) == 0 {
			continue
		}
		collected[p.Name()] = result.Books[0]
		raws = append(raws, RawPayload{
			Source:    p.Name(),
			JSON:      result.Raw,
			FetchedAt: time.Now().UTC(),
		})
	}
	if len(collected) == 0 {
		return nil, errNotFound
	}

	merged, prov := aggregate(collected)
	if merged == nil {
		return nil, errNotFound
	}

	aggregated, err := serializeAggregated(merged, prov)
	if err == nil {
		raws = append(raws, RawPayload{
			Source:    SourceAggregated,
			JSON:      aggregated,
			FetchedAt: time.Now().UTC(),
		})
	}

	key, err := r.store.Upsert(ctx, merged, raws)
	if err != nil {
		Log(ctx).Error("problem persisting book", "identifier", identifier, "err", err)
		return merged, nil // The caller still gets their answer.
	}
	merged.ID = key

	if r.payloads != nil && merged.ExternalID != "" && aggregated != nil {
		r.spawn("payload_put", func(ctx context.Context) {
			if err := r.payloads.Update(ctx, merged.ExternalID, aggregated); err != nil {
				Log(ctx).Warn("problem writing payload cache", "book", key, "err", err)
			}
		})
	}
	r.afterHydrate(ctx, key, merged)

	hydrated, err := r.store.FetchByKey(ctx, key)
	if err != nil {
		return merged, nil
	}
	return hydrated, nil
}

// afterHydrate kicks off the async follow-ups of a successful write: cover
// refresh, recommendation refresh, and the upsert event.
func (r *Resolver) afterHydrate(ctx context.Context, key uuid.UUID, book *Book) {
	book.ID = key
	r.covers.Refresh(book)
	r.recs.Refresh(book)
	r.events.BookUpserted(ctx, key)
}

// spawn runs fn on the bounded persistence group with its own deadline,
// detached from the caller's cancellation.
func (r *Resolver) spawn(kind string, fn func(ctx context.Context)) {
	r.metrics.pendingAdd(kind, 1)
	r.persist.Go(func() error {
		defer r.metrics.pendingAdd(kind, -1)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
		return nil
	})
}

// SearchBooks tries the store's full text first and only then spends provider
// quota: keyed GoogleBooks, the keyless variant when the keyed one is
// throttled or empty, then OpenLibrary. Provider results are persisted in the
// background; the response never waits on writes.
func (r *Resolver) SearchBooks(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 || limit > r.cfg.SearchLimit {
		limit = r.cfg.SearchLimit
	}
	qualifiers, residual := extractQualifiers(query)

	results, err := r.store.SearchBooks(ctx, residualOrQuery(residual, query), limit)
	if err != nil {
		Log(ctx).Warn("problem searching store", "q", query, "err", err)
	}
	if len(results) > 0 {
		r.metrics.tierInc("search_store", "hit")
		return results, nil
	}
	r.metrics.tierInc("search_store", "miss")

	books := r.searchProviders(ctx, residual, qualifiers, limit)
	if len(books) == 0 {
		return nil, errNotFound
	}

	r.spawn("search_persist", func(ctx context.Context) {
		for _, b := range books {
			if _, err := r.store.Upsert(ctx, b, nil); err != nil {
				Log(ctx).Warn("problem persisting search result", "title", b.Title, "err", err)
			}
		}
	})

	out := make([]SearchResult, 0, len(books))
	for i, b := range books {
		out = append(out, SearchResult{Book: b, Score: 1 / float64(i+1)})
	}
	return out, nil
}

func (r *Resolver) searchProviders(ctx context.Context, query string, qualifiers map[string]Qualifier, limit int) []*Book {
	if r.google != nil {
		result, err := r.google.Search(ctx, query, qualifiers, limit)
		if err == nil {
			return result.Books
		}
		if (isRateLimited(err) || isNotFound(err)) && r.google.HasKey() {
			if result, err := r.google.SearchKeyless(ctx, query, qualifiers, limit); err == nil {
				return result.Books
			}
		}
		if !isNotFound(err) {
			Log(ctx).Warn("problem searching google books", "q", query, "err", err)
		}
	}

	for _, p := range r.providers {
		if p.Name() == SourceGoogleBooks {
			continue
		}
		result, err := p.Search(ctx, query, qualifiers, limit)
		if err == nil {
			return result.Books
		}
		if !isNotFound(err) {
			Log(ctx).Warn("provider search failed", "provider", p.Name(), "q", query, "err", err)
		}
	}
	return nil
}

// SearchAuthors is store-only; providers have no author search worth the
// quota.
func (r *Resolver) SearchAuthors(ctx context.Context, query string, limit int) ([]AuthorResult, error) {
	if limit <= 0 || limit > r.cfg.SearchLimit {
		limit = r.cfg.SearchLimit
	}
	return r.store.SearchAuthors(ctx, query, limit)
}

// Invalidate drops the payload cache and negative entry for an identifier
// (admin purge).
func (r *Resolver) Invalidate(ctx context.Context, identifier string) error {
	_ = r.negative.Delete(ctx, idKey(identifier))
	if r.payloads == nil {
		return nil
	}
	err := r.payloads.Delete(ctx, identifier)
	if isNotFound(err) {
		return nil
	}
	return err
}

// Wait drains in-flight background persistence. Called on shutdown.
func (r *Resolver) Wait() error {
	return r.persist.Wait()
}

func residualOrQuery(residual, query string) string {
	if residual != "" {
		return residual
	}
	return query
}

// serializeAggregated renders the merged book plus its provenance into the
// canonical payload shape.
func serializeAggregated(book *Book, prov *provenance) ([]byte, error) {
	payload, err := serializeVolume(book)
	if err != nil {
		return nil, err
	}
	return appendProvenance(payload, prov)
}

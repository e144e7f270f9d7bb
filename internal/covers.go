package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// coverStatus is the recorded outcome of one cover fetch attempt.
type coverStatus string

const (
	coverSuccess     coverStatus = "SUCCESS"
	coverFailure404  coverStatus = "FAILURE_404"
	coverTimeout     coverStatus = "FAILURE_TIMEOUT"
	coverProcessing  coverStatus = "FAILURE_PROCESSING"
	coverPlaceholder coverStatus = "FAILURE_PLACEHOLDER_DETECTED"
	coverBadURL      coverStatus = "SKIPPED_BAD_URL"
)

// coverAttempt is one provenance row in the making.
type coverAttempt struct {
	Source Source
	URL    string
	Status coverStatus
	Width  int
	Height int
	Reason string
}

// Thresholds for accepting a candidate as high resolution.
const (
	_hiResWidth  = 800
	_hiResHeight = 1200
)

// _refreshBudget bounds one whole refresh pass.
const _refreshBudget = 30 * time.Second

// _maxCoverBytes caps a single image download.
const _maxCoverBytes = 8 << 20

// coverStore is the store surface the pipeline needs.
type coverStore interface {
	UpdateCoverState(ctx context.Context, key uuid.UUID, cover CoverState) error
	RecordCoverAttempts(ctx context.Context, key uuid.UUID, attempts []coverAttempt) error
}

// CoverConfig tunes the pipeline.
type CoverConfig struct {
	// FinalTTL / ProvisionalTTL are the in-memory cache lifetimes.
	FinalTTL       time.Duration `koanf:"final_ttl" validate:"gt=0"`
	ProvisionalTTL time.Duration `koanf:"provisional_ttl" validate:"gt=0"`
	// FetchRate throttles outbound image downloads (req/s).
	FetchRate float64 `koanf:"fetch_rate" validate:"gt=0"`
}

func DefaultCoverConfig() CoverConfig {
	return CoverConfig{
		FinalTTL:       24 * time.Hour,
		ProvisionalTTL: time.Hour,
		FetchRate:      2,
	}
}

// Covers selects, verifies, and stores cover images. Resolution is a
// synchronous cache ladder; the real work happens in asynchronous refresh
// passes with at most one in flight per book.
type Covers struct {
	cfg       CoverConfig
	final     cache[CoverState]
	tentative cache[CoverState]
	store     coverStore
	objects   objectStore
	providers []coverProvider
	client    *http.Client
	events    *Events
	metrics   *coverMetrics

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

var _ refresher = (*Covers)(nil)

// NewCovers wires the pipeline. Provider order is the selection tiebreak.
func NewCovers(cfg CoverConfig, store coverStore, objects objectStore, providers []coverProvider, events *Events, metrics *coverMetrics, caches *cacheMetrics) *Covers {
	return &Covers{
		cfg:       cfg,
		final:     newMeteredCache[CoverState](8<<20, caches),
		tentative: newMeteredCache[CoverState](8<<20, caches),
		store:     store,
		objects:   objects,
		providers: providers,
		client: &http.Client{
			Transport: throttledTransport{
				RoundTripper: errorProxyTransport{http.DefaultTransport},
				Limiter:      rate.NewLimiter(rate.Limit(cfg.FetchRate), 2),
			},
		},
		events:   events,
		metrics:  metrics,
		inflight: map[uuid.UUID]struct{}{},
	}
}

// Resolve returns the best currently known cover without blocking: final
// cache, final stored state, provisional cache, then whatever the book
// carries. Non-final answers schedule a refresh.
func (c *Covers) Resolve(ctx context.Context, book *Book) CoverState {
	if state, ok := c.final.Get(ctx, coverKey(book.ID)); ok {
		return state
	}
	if book.Cover.Final {
		c.final.Set(ctx, coverKey(book.ID), book.Cover, fuzz(c.cfg.FinalTTL, 1.2))
		return book.Cover
	}
	if state, ok := c.tentative.Get(ctx, coverProvKey(book.ID)); ok {
		c.Refresh(book)
		return state
	}

	c.Refresh(book)
	if book.Cover.URL != "" {
		c.tentative.Set(ctx, coverProvKey(book.ID), book.Cover, fuzz(c.cfg.ProvisionalTTL, 1.2))
	}
	return book.Cover
}

// Refresh schedules an asynchronous selection pass. At most one per book is
// in flight; extra triggers are dropped.
func (c *Covers) Refresh(book *Book) {
	if book == nil || book.ID == uuid.Nil || book.Cover.Final {
		return
	}

	c.mu.Lock()
	if _, busy := c.inflight[book.ID]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[book.ID] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, book.ID)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), _refreshBudget)
		defer cancel()
		if err := c.refresh(ctx, book); err != nil && !isNotFound(err) {
			Log(ctx).Warn("problem refreshing cover", "book", book.ID, "err", err)
		}
	}()
}

func (c *Covers) refresh(ctx context.Context, book *Book) error {
	// A previously uploaded object that still exists short-circuits the
	// provider walk when it was already verified high-res.
	if book.Cover.StorageKey != "" && book.Cover.HighRes {
		if ok, err := c.objects.Head(ctx, book.Cover.StorageKey); err == nil && ok {
			return c.commit(ctx, book, book.Cover)
		}
	}

	var (
		attempts []coverAttempt
		best     *candidate
	)
	for order, p := range c.providers {
		urls, err := p.CoverCandidates(ctx, book)
		if err != nil {
			if !isNotFound(err) {
				Log(ctx).Debug("no cover candidates", "provider", p.Name(), "book", book.ID, "err", err)
			}
			continue
		}
		for _, raw := range urls {
			attempt, cand := c.inspect(ctx, p.Name(), order, raw)
			attempts = append(attempts, attempt)
			c.metrics.attemptInc(p.Name(), attempt.Status)
			if cand != nil && cand.better(best) {
				best = cand
			}
		}
		// A high-res hit from a higher-precedence provider is never beaten
		// by a lower one; stop spending requests.
		if best != nil && best.hiRes {
			break
		}
	}

	if err := c.store.RecordCoverAttempts(ctx, book.ID, attempts); err != nil {
		Log(ctx).Warn("problem recording cover attempts", "book", book.ID, "err", err)
	}
	if best == nil {
		return errNotFound
	}

	state := CoverState{
		URL:     best.url,
		Source:  best.source,
		Width:   best.width,
		Height:  best.height,
		HighRes: best.hiRes,
		Final:   true,
	}
	if book.Cover.FallbackURL != "" {
		state.FallbackURL = book.Cover.FallbackURL
	}

	if key := c.upload(ctx, book, best); key != "" {
		state.StorageKey = key
		if cdn, ok := c.objects.(interface{ PublicURL(string) string }); ok {
			if u := cdn.PublicURL(key); u != "" {
				state.FallbackURL = state.URL
				state.URL = u
			}
		}
	}

	c.metrics.selectionInc(best.source)
	return c.commit(ctx, book, state)
}

func (c *Covers) commit(ctx context.Context, book *Book, state CoverState) error {
	state.Final = true
	if err := c.store.UpdateCoverState(ctx, book.ID, state); err != nil {
		return err
	}
	c.final.Set(ctx, coverKey(book.ID), state, fuzz(c.cfg.FinalTTL, 1.2))
	_ = c.tentative.Delete(ctx, coverProvKey(book.ID))
	c.events.CoverUpdated(ctx, book.ID, state.Source, state.URL)
	return nil
}

// candidate is a verified cover image.
type candidate struct {
	source Source
	order  int
	url    string
	width  int
	height int
	hiRes  bool
}

// better ranks candidates: high-res beats not, then provider precedence,
// then raw pixel area.
func (a *candidate) better(b *candidate) bool {
	if b == nil {
		return true
	}
	if a.hiRes != b.hiRes {
		return a.hiRes
	}
	if a.order != b.order {
		return a.order < b.order
	}
	return a.width*a.height > b.width*b.height
}

// inspect downloads and verifies one candidate URL, producing the provenance
// attempt and, when usable, the candidate.
func (c *Covers) inspect(ctx context.Context, source Source, order int, raw string) (coverAttempt, *candidate) {
	attempt := coverAttempt{Source: source, URL: raw}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		attempt.Status = coverBadURL
		attempt.Reason = "unparseable or non-http url"
		return attempt, nil
	}

	body, err := c.download(ctx, raw)
	switch {
	case err == nil:
	case isNotFound(err):
		attempt.Status = coverFailure404
		return attempt, nil
	case errors.Is(err, context.DeadlineExceeded):
		attempt.Status = coverTimeout
		return attempt, nil
	default:
		attempt.Status = coverProcessing
		attempt.Reason = err.Error()
		return attempt, nil
	}

	info, err := inspectImage(body)
	if err != nil {
		attempt.Status = coverProcessing
		attempt.Reason = err.Error()
		return attempt, nil
	}
	attempt.Width, attempt.Height = info.width, info.height

	if info.placeholder {
		attempt.Status = coverPlaceholder
		attempt.Reason = info.placeholderReason
		return attempt, nil
	}

	attempt.Status = coverSuccess
	return attempt, &candidate{
		source: source,
		order:  order,
		url:    raw,
		width:  info.width,
		height: info.height,
		hiRes:  info.width >= _hiResWidth && info.height >= _hiResHeight,
	}
}

func (c *Covers) download(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, _callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", _userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		var s statusErr
		if errors.As(err, &s) {
			return nil, s
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, _maxCoverBytes))
}

// upload stores the winning image, re-downloading it so the stored bytes
// match what we verified. Failure is tolerated; the remote URL still serves.
func (c *Covers) upload(ctx context.Context, book *Book, best *candidate) string {
	id := book.ExternalID
	if id == "" {
		id = book.ID.String()
	}
	key := _coverPrefix + id + "-lg-" + coverSlugOf(best.source) + ".jpg"

	body, err := c.download(ctx, best.url)
	if err != nil {
		Log(ctx).Debug("problem re-fetching cover for upload", "book", book.ID, "err", err)
		return ""
	}
	if err := c.objects.Put(ctx, key, body, "image/jpeg"); err != nil {
		Log(ctx).Warn("problem uploading cover", "book", book.ID, "err", err)
		return ""
	}
	return key
}

func coverSlugOf(src Source) string {
	switch src {
	case SourceGoogleBooks:
		return "google-books"
	case SourceOpenLibrary:
		return "open-library"
	case SourceLongitood:
		return "longitood"
	case SourceNYT:
		return "new-york-times"
	}
	return "unknown"
}

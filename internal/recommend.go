package internal

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recommendation scoring weights. Bump _algoVersion when these change so
// stored rows can be told apart from fresh ones.
const (
	_algoVersion      = 1
	_authorWeight     = 4.0
	_categoryWeight   = 3.0
	_titleWeight      = 2.0
	_maxRecs          = 12
	_titleMatchBudget = 2
)

// recommendStore is the store surface the engine needs.
type recommendStore interface {
	FetchByKey(ctx context.Context, key uuid.UUID) (*Book, error)
	SharedAuthorBooks(ctx context.Context, source uuid.UUID) ([]uuid.UUID, error)
	CategoryOverlaps(ctx context.Context, source uuid.UUID) ([]categoryOverlap, error)
	SearchBooks(ctx context.Context, query string, limit int) ([]SearchResult, error)
	ReplaceRecommendations(ctx context.Context, source uuid.UUID, recs []Recommendation) error
	FetchRecommendations(ctx context.Context, source uuid.UUID) ([]Recommendation, error)
}

// Recommendations computes and persists per-book similarity scores. Compute
// is synchronous and deterministic; Refresh runs it off-thread with at most
// one pass per source book in flight.
type Recommendations struct {
	store   recommendStore
	metrics *resolverMetrics

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

var _ refresher = (*Recommendations)(nil)

func NewRecommendations(store recommendStore, metrics *resolverMetrics) *Recommendations {
	return &Recommendations{
		store:    store,
		metrics:  metrics,
		inflight: map[uuid.UUID]struct{}{},
	}
}

// Fetch returns stored recommendations, computing them on demand when none
// exist yet.
func (r *Recommendations) Fetch(ctx context.Context, key uuid.UUID) ([]Recommendation, error) {
	recs, err := r.store.FetchRecommendations(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		return recs, nil
	}

	recs, err = r.Compute(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceRecommendations(ctx, key, recs); err != nil {
		Log(ctx).Warn("problem persisting recommendations", "book", key, "err", err)
	}
	return recs, nil
}

// scored is an intermediate candidate with its reason tags.
type scored struct {
	key     uuid.UUID
	score   float64
	reasons []string
}

// Compute runs every strategy and merges the results: scores sum per
// candidate, reasons accumulate, the source itself is dropped, scores are
// normalized against the best, and the top candidates win. Ties break on key
// so the output is stable.
func (r *Recommendations) Compute(ctx context.Context, key uuid.UUID) ([]Recommendation, error) {
	source, err := r.store.FetchByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	merged := map[uuid.UUID]*scored{}
	add := func(candidates []scored) {
		for _, c := range candidates {
			if c.key == key || c.key == uuid.Nil {
				continue
			}
			entry, ok := merged[c.key]
			if !ok {
				entry = &scored{key: c.key}
				merged[c.key] = entry
			}
			entry.score += c.score
			entry.reasons = append(entry.reasons, c.reasons...)
		}
	}

	byAuthor, err := r.authorMatches(ctx, key)
	if err != nil {
		Log(ctx).Warn("problem computing author matches", "book", key, "err", err)
	}
	add(byAuthor)

	byCategory, err := r.categoryMatches(ctx, key)
	if err != nil {
		Log(ctx).Warn("problem computing category matches", "book", key, "err", err)
	}
	add(byCategory)

	add(r.titleMatches(ctx, source))

	out := make([]Recommendation, 0, len(merged))
	best := 0.0
	for _, s := range merged {
		if s.score > best {
			best = s.score
		}
	}
	for _, s := range merged {
		score := s.score
		if best > 0 {
			score /= best
		}
		slices.Sort(s.reasons)
		out = append(out, Recommendation{
			SourceID:    key,
			TargetID:    s.key,
			Score:       score,
			Reasons:     slices.Compact(s.reasons),
			AlgoVersion: _algoVersion,
		})
	}

	slices.SortFunc(out, func(a, b Recommendation) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.TargetID.String(), b.TargetID.String())
	})
	if len(out) > _maxRecs {
		out = out[:_maxRecs]
	}
	return out, nil
}

func (r *Recommendations) authorMatches(ctx context.Context, key uuid.UUID) ([]scored, error) {
	keys, err := r.store.SharedAuthorBooks(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(keys))
	for _, k := range keys {
		out = append(out, scored{key: k, score: _authorWeight, reasons: []string{"same_author"}})
	}
	return out, nil
}

func (r *Recommendations) categoryMatches(ctx context.Context, key uuid.UUID) ([]scored, error) {
	overlaps, err := r.store.CategoryOverlaps(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(overlaps))
	for _, o := range overlaps {
		if o.Total == 0 || o.Shared == 0 {
			continue
		}
		out = append(out, scored{
			key:     o.Key,
			score:   float64(o.Shared) / float64(o.Total) * _categoryWeight,
			reasons: []string{"shared_category"},
		})
	}
	return out, nil
}

// titleMatches reuses the store's full-text ranking over the source title.
// Failure here is never fatal; it's the weakest signal.
func (r *Recommendations) titleMatches(ctx context.Context, source *Book) []scored {
	query := titleKeywords(source.Title)
	if query == "" {
		return nil
	}
	results, err := r.store.SearchBooks(ctx, query, _titleMatchBudget+1)
	if err != nil {
		Log(ctx).Debug("problem computing title matches", "book", source.ID, "err", err)
		return nil
	}

	var out []scored
	for _, res := range results {
		if res.Book == nil || res.Book.ID == source.ID {
			continue
		}
		out = append(out, scored{
			key:     res.Book.ID,
			score:   _titleWeight,
			reasons: []string{"title_keywords"},
		})
		if len(out) == _titleMatchBudget {
			break
		}
	}
	return out
}

// _titleStopwords are dropped before the keyword query.
var _titleStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true,
	"in": true, "on": true, "to": true, "for": true,
}

func titleKeywords(title string) string {
	var keep []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,:;!?\"'()[]")
		if len(w) < 3 || _titleStopwords[w] {
			continue
		}
		keep = append(keep, w)
	}
	return strings.Join(keep, " ")
}

// Refresh recomputes and persists off-thread. A pass already in flight for
// the same book absorbs the trigger.
func (r *Recommendations) Refresh(book *Book) {
	if book == nil || book.ID == uuid.Nil {
		return
	}

	r.mu.Lock()
	if _, busy := r.inflight[book.ID]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[book.ID] = struct{}{}
	r.mu.Unlock()

	r.metrics.pendingAdd("recommendations", 1)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, book.ID)
			r.mu.Unlock()
			r.metrics.pendingAdd("recommendations", -1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		recs, err := r.Compute(ctx, book.ID)
		if err != nil {
			if !isNotFound(err) {
				Log(ctx).Warn("problem computing recommendations", "book", book.ID, "err", err)
			}
			return
		}
		if err := r.store.ReplaceRecommendations(ctx, book.ID, recs); err != nil {
			Log(ctx).Warn("problem persisting recommendations", "book", book.ID, "err", err)
		}
	}()
}

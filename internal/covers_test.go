package internal

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// fakeCoverStore records cover states and provenance rows.
type fakeCoverStore struct {
	mu       sync.Mutex
	states   map[uuid.UUID]CoverState
	attempts map[uuid.UUID][]coverAttempt
}

func newFakeCoverStore() *fakeCoverStore {
	return &fakeCoverStore{
		states:   map[uuid.UUID]CoverState{},
		attempts: map[uuid.UUID][]coverAttempt{},
	}
}

func (f *fakeCoverStore) UpdateCoverState(_ context.Context, key uuid.UUID, cover CoverState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[key] = cover
	return nil
}

func (f *fakeCoverStore) RecordCoverAttempts(_ context.Context, key uuid.UUID, attempts []coverAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[key] = append(f.attempts[key], attempts...)
	return nil
}

func (f *fakeCoverStore) state(key uuid.UUID) (CoverState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[key]
	return s, ok
}

func (f *fakeCoverStore) attemptStatuses(key uuid.UUID) []coverStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []coverStatus
	for _, a := range f.attempts[key] {
		out = append(out, a.Status)
	}
	return out
}

func testCovers(store coverStore, objects objectStore, providers ...coverProvider) *Covers {
	cfg := DefaultCoverConfig()
	cfg.FetchRate = 1000 // Don't throttle tests.
	return NewCovers(cfg, store, objects, providers, nil, testCoverMetrics(), nil)
}

// coverServer serves fixed image bytes per path.
func coverServer(t *testing.T, images map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := images[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoversRefreshSelectsAndUploads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	navy := color.RGBA{R: 20, G: 30, B: 90, A: 255}
	srv := coverServer(t, map[string][]byte{
		"/big.png": pngImage(t, 850, 1300, navy),
	})

	provider := NewMockcoverProvider(c)
	provider.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	provider.EXPECT().CoverCandidates(gomock.Any(), gomock.Any()).Return([]string{srv.URL + "/big.png"}, nil)

	store := newFakeCoverStore()
	objects := newMemObjectStore()
	objects.public = "https://cdn.example.com"
	covers := testCovers(store, objects, provider)

	book := &Book{ID: newCanonicalKey(), ExternalID: "gb1"}
	require.NoError(t, covers.refresh(ctx, book))

	state, ok := store.state(book.ID)
	require.True(t, ok)
	assert.True(t, state.Final)
	assert.True(t, state.HighRes)
	assert.Equal(t, SourceGoogleBooks, state.Source)
	assert.Equal(t, 850, state.Width)
	assert.Equal(t, 1300, state.Height)

	// The verified bytes were stored and the CDN address took over.
	assert.Equal(t, "images/book-covers/gb1-lg-google-books.jpg", state.StorageKey)
	assert.Equal(t, "https://cdn.example.com/"+state.StorageKey, state.URL)
	assert.Equal(t, srv.URL+"/big.png", state.FallbackURL)
	ok, err := objects.Head(ctx, state.StorageKey)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []coverStatus{coverSuccess}, store.attemptStatuses(book.ID))
}

func TestCoversRefreshSkipsPlaceholders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	navy := color.RGBA{R: 20, G: 30, B: 90, A: 255}
	srv := coverServer(t, map[string][]byte{
		"/white.png": pngImage(t, 400, 600, color.White),
		"/real.png":  pngImage(t, 400, 600, navy),
	})

	first := NewMockcoverProvider(c)
	first.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	first.EXPECT().CoverCandidates(gomock.Any(), gomock.Any()).Return([]string{srv.URL + "/white.png"}, nil)

	second := NewMockcoverProvider(c)
	second.EXPECT().Name().Return(SourceOpenLibrary).AnyTimes()
	second.EXPECT().CoverCandidates(gomock.Any(), gomock.Any()).Return([]string{srv.URL + "/real.png"}, nil)

	store := newFakeCoverStore()
	covers := testCovers(store, newMemObjectStore(), first, second)

	book := &Book{ID: newCanonicalKey()}
	require.NoError(t, covers.refresh(ctx, book))

	state, ok := store.state(book.ID)
	require.True(t, ok)
	assert.Equal(t, SourceOpenLibrary, state.Source)
	assert.False(t, state.HighRes)
	assert.Equal(t, []coverStatus{coverPlaceholder, coverSuccess}, store.attemptStatuses(book.ID))
}

func TestCoversRefreshStopsAfterHighResHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	navy := color.RGBA{R: 20, G: 30, B: 90, A: 255}
	srv := coverServer(t, map[string][]byte{
		"/big.png": pngImage(t, 850, 1300, navy),
	})

	first := NewMockcoverProvider(c)
	first.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	first.EXPECT().CoverCandidates(gomock.Any(), gomock.Any()).Return([]string{srv.URL + "/big.png"}, nil)

	// The second provider is never consulted.
	second := NewMockcoverProvider(c)
	second.EXPECT().Name().Return(SourceOpenLibrary).AnyTimes()

	store := newFakeCoverStore()
	covers := testCovers(store, newMemObjectStore(), first, second)
	require.NoError(t, covers.refresh(ctx, &Book{ID: newCanonicalKey()}))
}

func TestCoversRefreshHandlesMissesAndBadURLs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	srv := coverServer(t, nil) // Everything 404s.

	provider := NewMockcoverProvider(c)
	provider.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	provider.EXPECT().CoverCandidates(gomock.Any(), gomock.Any()).
		Return([]string{"not a url", srv.URL + "/gone.png"}, nil)

	store := newFakeCoverStore()
	covers := testCovers(store, newMemObjectStore(), provider)

	book := &Book{ID: newCanonicalKey()}
	err := covers.refresh(ctx, book)
	assert.True(t, isNotFound(err))
	assert.Equal(t, []coverStatus{coverBadURL, coverFailure404}, store.attemptStatuses(book.ID))

	_, ok := store.state(book.ID)
	assert.False(t, ok)
}

func TestCoversResolveUsesFinalState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newFakeCoverStore()
	covers := testCovers(store, newMemObjectStore())

	key := newCanonicalKey()
	final := CoverState{URL: "https://cdn/x.jpg", Source: SourceGoogleBooks, HighRes: true, Final: true}

	got := covers.Resolve(ctx, &Book{ID: key, Cover: final})
	assert.Equal(t, final, got)

	// A later provisional view of the same book answers from the final cache.
	got = covers.Resolve(ctx, &Book{ID: key, Cover: CoverState{URL: "https://old/provisional.jpg"}})
	assert.Equal(t, final, got)
}

func TestCoversResolveProvisionalFallthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	covers := testCovers(newFakeCoverStore(), newMemObjectStore())

	provisional := CoverState{URL: "https://provider/cover.jpg", Source: SourceOpenLibrary}
	got := covers.Resolve(ctx, &Book{ID: newCanonicalKey(), Cover: provisional})
	assert.Equal(t, provisional, got)
}

func TestCandidateBetter(t *testing.T) {
	t.Parallel()

	hiRes := &candidate{order: 1, width: 900, height: 1300, hiRes: true}
	big := &candidate{order: 1, width: 600, height: 900}
	small := &candidate{order: 0, width: 300, height: 450}

	assert.True(t, hiRes.better(nil))
	assert.True(t, hiRes.better(big))
	assert.False(t, big.better(hiRes))

	// Same tier: provider precedence, then area.
	assert.True(t, small.better(big))
	assert.False(t, big.better(small))
	assert.True(t, big.better(&candidate{order: 1, width: 300, height: 450}))
}

func TestCoverSlugOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "google-books", coverSlugOf(SourceGoogleBooks))
	assert.Equal(t, "open-library", coverSlugOf(SourceOpenLibrary))
	assert.Equal(t, "longitood", coverSlugOf(SourceLongitood))
	assert.Equal(t, "new-york-times", coverSlugOf(SourceNYT))
	assert.Equal(t, "unknown", coverSlugOf(SourceMock))
}

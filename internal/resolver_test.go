package internal

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// fakeResolverStore is the in-memory store the resolver tests run against.
type fakeResolverStore struct {
	mu         sync.Mutex
	books      map[uuid.UUID]*Book
	byISBN     map[string]uuid.UUID
	byExtID    map[string]uuid.UUID
	bySlug     map[string]uuid.UUID
	searchHits []SearchResult
	authors    []AuthorResult
	upserts    int
	extLookups int
	viewed     int
}

func newFakeResolverStore() *fakeResolverStore {
	return &fakeResolverStore{
		books:   map[uuid.UUID]*Book{},
		byISBN:  map[string]uuid.UUID{},
		byExtID: map[string]uuid.UUID{},
		bySlug:  map[string]uuid.UUID{},
	}
}

func (f *fakeResolverStore) seed(book *Book) uuid.UUID {
	key, err := f.Upsert(context.Background(), book, nil)
	if err != nil {
		panic(err)
	}
	return key
}

func (f *fakeResolverStore) HasKey(_ context.Context, key uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.books[key]
	return ok, nil
}

func (f *fakeResolverStore) KeyByISBN(_ context.Context, isbn string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.byISBN[isbn]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func (f *fakeResolverStore) KeyByExternalID(_ context.Context, id string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extLookups++
	if key, ok := f.byExtID[id]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func (f *fakeResolverStore) KeyBySlug(_ context.Context, slug string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.bySlug[slug]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func (f *fakeResolverStore) Upsert(_ context.Context, book *Book, _ []RawPayload) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++

	key := book.ID
	if key == uuid.Nil {
		if k, ok := f.byExtID[book.ExternalID]; ok && book.ExternalID != "" {
			key = k
		} else if k, ok := f.byISBN[book.ISBN13]; ok && book.ISBN13 != "" {
			key = k
		} else {
			key = newCanonicalKey()
		}
	}
	stored := *book
	stored.ID = key
	f.books[key] = &stored
	if book.ISBN13 != "" {
		f.byISBN[book.ISBN13] = key
	}
	if book.ISBN10 != "" {
		f.byISBN[book.ISBN10] = key
	}
	if book.ExternalID != "" {
		f.byExtID[book.ExternalID] = key
	}
	if book.Slug != "" {
		f.bySlug[book.Slug] = key
	}
	return key, nil
}

func (f *fakeResolverStore) FetchByKey(_ context.Context, key uuid.UUID) (*Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[key]
	if !ok {
		return nil, errNotFound
	}
	out := *book
	return &out, nil
}

func (f *fakeResolverStore) SearchBooks(context.Context, string, int) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchHits, nil
}

func (f *fakeResolverStore) SearchAuthors(context.Context, string, int) ([]AuthorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authors, nil
}

func (f *fakeResolverStore) TouchViewed(context.Context, uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewed++
}

func (f *fakeResolverStore) viewedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewed
}

func (f *fakeResolverStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

// recordRefresher captures Refresh calls from the resolver.
type recordRefresher struct {
	mu    sync.Mutex
	books []*Book
}

func (r *recordRefresher) Refresh(book *Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, book)
}

func (r *recordRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.books)
}

func testResolver(store *fakeResolverStore, payloads *payloadCache, providers ...providerClient) *Resolver {
	return NewResolver(DefaultResolverConfig(), store, payloads, providers, nil, nil, nil, nil, testResolverMetrics(), nil)
}

func TestResolverStoreHit(t *testing.T) {
	t.Parallel()

	store := newFakeResolverStore()
	key := store.seed(&Book{Title: "The Stand", ISBN13: "9780385121682"})

	r := testResolver(store, nil)
	book, err := r.FetchByID(context.Background(), key.String())
	require.NoError(t, err)
	assert.Equal(t, "The Stand", book.Title)
	assert.Equal(t, key, book.ID)

	// The view touch happens off the request path.
	assert.Eventually(t, func() bool { return store.viewedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResolverPayloadCacheHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newFakeResolverStore()
	payloads := newPayloadCache(newMemObjectStore())
	require.NoError(t, payloads.Put(ctx, "zyTCAlFPjgYC", []byte(`{
		"id": "zyTCAlFPjgYC",
		"volumeInfo": {"title": "The Google Story", "authors": ["David A. Vise"]}
	}`)))

	r := testResolver(store, payloads)
	book, err := r.FetchByID(ctx, "zyTCAlFPjgYC")
	require.NoError(t, err)
	assert.Equal(t, "The Google Story", book.Title)
	assert.NotEqual(t, uuid.Nil, book.ID)

	// The parse was persisted, so the next lookup answers from the store.
	_, err = store.KeyByExternalID(ctx, "zyTCAlFPjgYC")
	require.NoError(t, err)
}

func TestResolverEvictsCorruptCachedPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newFakeResolverStore()
	mem := newMemObjectStore()
	payloads := newPayloadCache(mem)
	require.NoError(t, payloads.Put(ctx, "bad1", []byte("not json at all %%%")))

	r := testResolver(store, payloads)
	_, err := r.FetchByID(ctx, "bad1")
	assert.True(t, isNotFound(err))

	// The unreadable blob is gone; the next lookup goes upstream clean.
	_, err = payloads.Fetch(ctx, "bad1")
	assert.True(t, isNotFound(err))
}

func TestResolverAggregatesProviders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	google := NewMockproviderClient(c)
	google.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	google.EXPECT().FetchByISBN(gomock.Any(), "9780385121682").Return(providerResult{
		Raw: []byte(`{"id":"gb1"}`),
		Books: []*Book{{
			Source:     SourceGoogleBooks,
			ExternalID: "gb1",
			Title:      "The Stand",
			ISBN13:     "9780385121682",
		}},
	}, nil)

	openlib := NewMockproviderClient(c)
	openlib.EXPECT().Name().Return(SourceOpenLibrary).AnyTimes()
	openlib.EXPECT().FetchByISBN(gomock.Any(), "9780385121682").Return(providerResult{
		Raw: []byte(`{"key":"OL1M"}`),
		Books: []*Book{{
			Source:      SourceOpenLibrary,
			ExternalID:  "OL1M",
			Title:       "The Stand",
			Description: "A plague empties the continent and the survivors pick sides.",
			ISBN10:      "0385121687",
		}},
	}, nil)

	store := newFakeResolverStore()
	mem := newMemObjectStore()
	payloads := newPayloadCache(mem)
	covers := &recordRefresher{}

	r := NewResolver(DefaultResolverConfig(), store, payloads,
		[]providerClient{google, openlib}, nil, covers, nil, nil, testResolverMetrics(), nil)

	book, err := r.FetchByID(ctx, "978-0-385-12168-2")
	require.NoError(t, err)

	// Precedence keeps GoogleBooks identity; OpenLibrary fills the gaps.
	assert.Equal(t, "gb1", book.ExternalID)
	assert.Equal(t, "The Stand", book.Title)
	assert.Contains(t, book.Description, "plague")
	assert.Equal(t, "9780385121682", book.ISBN13)
	assert.Equal(t, "0385121687", book.ISBN10)

	assert.Equal(t, 1, covers.count())

	// The aggregated payload lands in the cache once persistence drains.
	require.NoError(t, r.Wait())
	cached, err := payloads.Fetch(ctx, "gb1")
	require.NoError(t, err)
	assert.Contains(t, string(cached), `"The Stand"`)
}

func TestResolverPersistsWithoutPayloadCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	provider := NewMockproviderClient(c)
	provider.EXPECT().Name().Return(SourceGoogleBooks).AnyTimes()
	provider.EXPECT().FetchByID(gomock.Any(), "gb9").Return(providerResult{
		Raw:   []byte(`{"id":"gb9"}`),
		Books: []*Book{{Source: SourceGoogleBooks, ExternalID: "gb9", Title: "Night Shift"}},
	}, nil)

	store := newFakeResolverStore()
	r := testResolver(store, nil, provider)

	book, err := r.FetchByID(ctx, "gb9")
	require.NoError(t, err)
	assert.Equal(t, "Night Shift", book.Title)

	// Background persistence drains clean with no payload cache to write to.
	require.NoError(t, r.Wait())
	_, err = store.KeyByExternalID(ctx, "gb9")
	require.NoError(t, err)
}

func TestResolverNegativeCachesMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := gomock.NewController(t)

	provider := NewMockproviderClient(c)
	provider.EXPECT().Name().Return(SourceMock).AnyTimes()
	provider.EXPECT().FetchByID(gomock.Any(), "nope").Return(providerResult{}, errNotFound).Times(1)

	store := newFakeResolverStore()
	r := testResolver(store, nil, provider)

	_, err := r.FetchByID(ctx, "nope")
	assert.True(t, isNotFound(err))

	// The second miss is answered from the negative cache: the provider's
	// Times(1) above holds and the store isn't consulted again.
	before := store.extLookups
	_, err = r.FetchByID(ctx, "nope")
	assert.True(t, isNotFound(err))
	assert.Equal(t, before, store.extLookups)
}

func TestResolverSearchBooksPrefersStore(t *testing.T) {
	t.Parallel()

	store := newFakeResolverStore()
	store.searchHits = []SearchResult{{Book: &Book{Title: "Stored"}, Score: 0.9}}

	r := testResolver(store, nil)
	results, err := r.SearchBooks(context.Background(), "stored", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Stored", results[0].Book.Title)
}

func TestResolverSearchBooksFallsBackToProviders(t *testing.T) {
	t.Parallel()

	g := testGoogleBooks(func(r *http.Request) (*http.Response, error) {
		return okResponse(`{"items":[
			{"id":"a","volumeInfo":{"title":"First"}},
			{"id":"b","volumeInfo":{"title":"Second"}}
		]}`), nil
	})

	store := newFakeResolverStore()
	r := NewResolver(DefaultResolverConfig(), store, nil, nil, g, nil, nil, nil, testResolverMetrics(), nil)

	results, err := r.SearchBooks(context.Background(), "anything", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "First", results[0].Book.Title)
	assert.Greater(t, results[0].Score, results[1].Score)

	// Results persist in the background, not on the response path.
	require.NoError(t, r.Wait())
	assert.Equal(t, 2, store.upsertCount())
}

func TestResolverSearchBooksMiss(t *testing.T) {
	t.Parallel()

	r := testResolver(newFakeResolverStore(), nil)
	_, err := r.SearchBooks(context.Background(), "nothing", 10)
	assert.True(t, isNotFound(err))
}

func TestResolverSearchAuthors(t *testing.T) {
	t.Parallel()

	store := newFakeResolverStore()
	store.authors = []AuthorResult{{ID: 1, Name: "Stephen King", Score: 0.8}}

	r := testResolver(store, nil)
	authors, err := r.SearchAuthors(context.Background(), "king", 0)
	require.NoError(t, err)
	require.Len(t, authors, 1)
	assert.Equal(t, "Stephen King", authors[0].Name)
}

func TestResolverInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	payloads := newPayloadCache(newMemObjectStore())
	require.NoError(t, payloads.Put(ctx, "gone", []byte(`{"id":"gone"}`)))

	r := testResolver(newFakeResolverStore(), payloads)
	require.NoError(t, r.Invalidate(ctx, "gone"))
	_, err := payloads.Fetch(ctx, "gone")
	assert.True(t, isNotFound(err))

	// Purging something that was never cached is not an error.
	assert.NoError(t, r.Invalidate(ctx, "never-there"))
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, pgError(nil))
	assert.ErrorIs(t, pgError(pgx.ErrNoRows), errNotFound)
	assert.ErrorIs(t, pgError(fmt.Errorf("scanning: %w", pgx.ErrNoRows)), errNotFound)

	dup := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, pgError(dup), errDataIntegrity)

	other := errors.New("connection reset")
	assert.Equal(t, other, pgError(other))
}

func TestMarshalQualifiers(t *testing.T) {
	t.Parallel()

	out, err := marshalQualifiers(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), out)

	out, err = marshalQualifiers(map[string]Qualifier{"nytBestseller": {"rank": 1}})
	require.NoError(t, err)
	assert.Contains(t, string(out), "nytBestseller")
}

func TestCoverSourceOrDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SourceUndefined, coverSourceOrDefault(""))
	assert.Equal(t, SourceGoogleBooks, coverSourceOrDefault(SourceGoogleBooks))
}

func TestKeyedMutexSerializes(t *testing.T) {
	t.Parallel()

	var km keyedMutex
	var mu sync.Mutex
	order := []int{}

	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("a")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		km.Unlock("a")
		close(done)
	}()

	// Different keys don't contend.
	km.Lock("b")
	km.Unlock("b")

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	km.Unlock("a")
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

// testStore connects to the database named by LECTERN_TEST_DSN, skipping when
// unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LECTERN_TEST_DSN")
	if dsn == "" {
		t.Skip("LECTERN_TEST_DSN not set")
	}
	s, err := NewStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// seedBook writes a unique book and schedules its cleanup.
func seedBook(t *testing.T, s *Store, book *Book) uuid.UUID {
	t.Helper()
	key, err := s.Upsert(context.Background(), book, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Delete(context.Background(), key) })
	return key
}

func TestStoreUpsertAndFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	extID := "it-" + newRowID()
	book := &Book{
		Source:        SourceGoogleBooks,
		ExternalID:    extID,
		Title:         "Integration Test Book " + extID,
		Subtitle:      "A Subtitle",
		Description:   "First description.",
		Authors:       []string{"Ada Example", "Grace Sample", "ada example"},
		Categories:    []string{"Fiction / Testing", "Fiction"},
		Publisher:     "Test House",
		PublishedDate: "2020-06-01",
		Language:      "en",
		PageCount:     321,
		ISBN13:        fmt.Sprintf("979%010d", time.Now().UnixNano()%1e10),
		AverageRating: 4.2,
		RatingsCount:  17,
		Dimensions:    &Dimensions{HeightCM: 24, WidthCM: 16},
		Qualifiers:    map[string]Qualifier{"intitle": {"value": "integration"}},
		Cover:         CoverState{URL: "https://img/provisional.jpg", Source: SourceGoogleBooks},
	}
	require.True(t, isISBN13(book.ISBN13))

	key := seedBook(t, s, book)

	got, err := s.FetchByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, book.Title, got.Title)
	// The duplicate author collapses and positions stay contiguous.
	assert.Equal(t, []string{"Ada Example", "Grace Sample"}, got.Authors)
	assert.ElementsMatch(t, book.Categories, got.Categories)
	assert.Equal(t, "2020-06-01", got.PublishedDate)
	assert.Equal(t, 321, got.PageCount)
	assert.Equal(t, extID, got.ExternalID)
	require.NotNil(t, got.Dimensions)
	assert.Equal(t, 24.0, got.Dimensions.HeightCM)
	assert.NotEmpty(t, got.Slug)
	assert.Contains(t, got.Qualifiers, "intitle")

	// Identity lookups all land on the same key.
	ok, err := s.HasKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	for _, lookup := range []func() (uuid.UUID, error){
		func() (uuid.UUID, error) { return s.KeyByISBN(ctx, book.ISBN13) },
		func() (uuid.UUID, error) { return s.KeyByExternalID(ctx, extID) },
		func() (uuid.UUID, error) { return s.KeyBySlug(ctx, got.Slug) },
	} {
		k, err := lookup()
		require.NoError(t, err)
		assert.Equal(t, key, k)
	}

	bySlug, err := s.FetchBySlug(ctx, got.Slug)
	require.NoError(t, err)
	assert.Equal(t, key, bySlug.ID)
	byExt, err := s.FetchByExternal(ctx, SourceGoogleBooks, extID)
	require.NoError(t, err)
	assert.Equal(t, key, byExt.ID)

	// Empty incoming fields preserve stored data; non-empty ones overwrite.
	_, err = s.Upsert(ctx, &Book{
		ID:          key,
		Title:       book.Title,
		Description: "A much longer second description.",
	}, nil)
	require.NoError(t, err)
	got, err = s.FetchByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "A much longer second description.", got.Description)
	assert.Equal(t, "Test House", got.Publisher)
	assert.Equal(t, 321, got.PageCount)
}

func TestStoreUpsertRejectsEmptyBook(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, err := s.Upsert(context.Background(), &Book{}, nil)
	assert.ErrorIs(t, err, errBadRequest)
	_, err = s.Upsert(context.Background(), nil, nil)
	assert.ErrorIs(t, err, errBadRequest)
}

func TestStoreCoverFinalGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	key := seedBook(t, s, &Book{Title: "Cover Guard " + newRowID()})

	final := CoverState{URL: "https://cdn/final.jpg", Source: SourceOpenLibrary, HighRes: true, Final: true}
	require.NoError(t, s.UpdateCoverState(ctx, key, final))

	// A provisional write never takes back a final selection.
	provisional := CoverState{URL: "https://img/worse.jpg", Source: SourceGoogleBooks}
	require.NoError(t, s.UpdateCoverState(ctx, key, provisional))

	got, err := s.FetchByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/final.jpg", got.Cover.URL)
	assert.True(t, got.Cover.Final)

	// Upserts respect the same guard.
	_, err = s.Upsert(ctx, &Book{ID: key, Title: "x", Cover: provisional}, nil)
	require.NoError(t, err)
	got, err = s.FetchByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/final.jpg", got.Cover.URL)
}

func TestStoreRecommendationsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	src := seedBook(t, s, &Book{Title: "Rec Source " + newRowID()})
	a := seedBook(t, s, &Book{Title: "Rec Target A " + newRowID()})
	b := seedBook(t, s, &Book{Title: "Rec Target B " + newRowID()})

	require.NoError(t, s.ReplaceRecommendations(ctx, src, []Recommendation{
		{SourceID: src, TargetID: a, Score: 0.5, Reasons: []string{"same_author"}, AlgoVersion: 1},
		{SourceID: src, TargetID: b, Score: 1.0, Reasons: []string{"shared_category"}, AlgoVersion: 1},
	}))

	recs, err := s.FetchRecommendations(ctx, src)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, b, recs[0].TargetID) // Best first.

	// Replacement drops rows no longer recommended.
	require.NoError(t, s.ReplaceRecommendations(ctx, src, []Recommendation{
		{SourceID: src, TargetID: a, Score: 0.9, AlgoVersion: 2},
	}))
	recs, err = s.FetchRecommendations(ctx, src)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, a, recs[0].TargetID)
	assert.Equal(t, 2, recs[0].AlgoVersion)
}

func TestStoreBestsellerMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	code := "test-list-" + newRowID()
	key := seedBook(t, s, &Book{Title: "Chart Entry " + newRowID()})
	require.NoError(t, s.UpsertBestsellerMembership(ctx, key, Membership{
		Collection: Collection{
			Type:     CollectionBestseller,
			Source:   SourceNYT,
			Name:     "Test List",
			ListCode: code,
		},
		Rank:        3,
		WeeksOnList: 8,
	}))

	lists, err := s.BestsellerLists(ctx)
	require.NoError(t, err)
	var found *BestsellerList
	for i := range lists {
		if lists[i].Collection.ListCode == code {
			found = &lists[i]
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Entries, 1)
	assert.Equal(t, key, found.Entries[0].Key)
	assert.Equal(t, 3, found.Entries[0].Rank)
	assert.Equal(t, 8, found.Entries[0].WeeksOnList)
}

func TestStoreViewTrackingAndSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	key := seedBook(t, s, &Book{Title: "Viewed Book " + newRowID()})
	s.TouchViewed(ctx, key)

	recent, err := s.RecentlyViewed(ctx, 1000)
	require.NoError(t, err)
	assert.Contains(t, recent, key)

	got, err := s.FetchByKey(ctx, key)
	require.NoError(t, err)
	entries, err := s.SlugSnapshot(ctx)
	require.NoError(t, err)
	slugs := make([]string, 0, len(entries))
	for _, e := range entries {
		slugs = append(slugs, e.Slug)
	}
	assert.Contains(t, slugs, got.Slug)
}

func TestStoreSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)

	marker := "zxqv" + newRowID()[:6]
	key := seedBook(t, s, &Book{
		Title:   "Searchable " + marker,
		Authors: []string{"Searchable Author " + marker},
	})
	require.NoError(t, s.RefreshSearchIndex(ctx))

	results, err := s.SearchBooks(ctx, marker, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, key, results[0].Book.ID)

	authors, err := s.SearchAuthors(ctx, marker, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, authors)
}

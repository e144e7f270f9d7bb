package internal

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGoogleBooks builds a client whose network is the given stub.
func testGoogleBooks(fn roundTripFunc) *GoogleBooks {
	cfg := DefaultProviderConfig()
	cfg.Rate = RateConfig{Capacity: 1000, Refill: 1000, AcquireTimeout: time.Second}
	cfg.Retry = RetryConfig{Attempts: 1, InitialDelay: 1, MaxJitter: 1}
	g := NewGoogleBooks("test-key", cfg, testProviderMetrics())
	g.client = stubClient(_googleBooksHost, fn)
	g.keyless = stubClient(_googleBooksHost, fn)
	return g
}

func TestGoogleBooksFetchByID(t *testing.T) {
	t.Parallel()

	g := testGoogleBooks(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/books/v1/volumes/zyTCAlFPjgYC", r.URL.Path)
		return okResponse(`{"id":"zyTCAlFPjgYC","volumeInfo":{"title":"The Google Story"}}`), nil
	})

	result, err := g.FetchByID(context.Background(), "zyTCAlFPjgYC")
	require.NoError(t, err)
	require.Len(t, result.Books, 1)
	assert.Equal(t, "The Google Story", result.Books[0].Title)
	assert.NotEmpty(t, result.Raw)
}

func TestGoogleBooksFetchByISBN(t *testing.T) {
	t.Parallel()

	g := testGoogleBooks(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/books/v1/volumes", r.URL.Path)
		assert.Equal(t, "isbn:9780553804577", r.URL.Query().Get("q"))
		return okResponse(`{"items":[{"id":"a","volumeInfo":{"title":"Found"}}]}`), nil
	})

	result, err := g.FetchByISBN(context.Background(), "978-0-5538-0457-7")
	require.NoError(t, err)
	require.Len(t, result.Books, 1)
	assert.Equal(t, "Found", result.Books[0].Title)
}

func TestGoogleBooksSearchPaginates(t *testing.T) {
	t.Parallel()

	page := func(start, n int) string {
		items := ""
		for i := range n {
			if i > 0 {
				items += ","
			}
			items += fmt.Sprintf(`{"id":"v%d","volumeInfo":{"title":"Title %d"}}`, start+i, start+i)
		}
		return `{"items":[` + items + `]}`
	}

	var requests []string
	g := testGoogleBooks(func(r *http.Request) (*http.Response, error) {
		start := r.URL.Query().Get("startIndex")
		requests = append(requests, start)
		if start == "" {
			return okResponse(page(0, _googlePageSize)), nil
		}
		return okResponse(page(_googlePageSize, 10)), nil // Short page ends the walk.
	})

	result, err := g.Search(context.Background(), "golang", nil, 200)
	require.NoError(t, err)
	assert.Len(t, result.Books, _googlePageSize+10)
	assert.Equal(t, []string{"", "40"}, requests)
}

func TestGoogleBooksSearchHonorsLimit(t *testing.T) {
	t.Parallel()

	g := testGoogleBooks(func(r *http.Request) (*http.Response, error) {
		items := ""
		for i := range _googlePageSize {
			if i > 0 {
				items += ","
			}
			items += fmt.Sprintf(`{"id":"v%d","volumeInfo":{"title":"T%d"}}`, i, i)
		}
		return okResponse(`{"items":[` + items + `]}`), nil
	})

	result, err := g.Search(context.Background(), "golang", nil, 5)
	require.NoError(t, err)
	assert.Len(t, result.Books, 5)
}

func TestGoogleBooksSearchEmpty(t *testing.T) {
	t.Parallel()

	g := testGoogleBooks(func(*http.Request) (*http.Response, error) {
		return okResponse(`{"totalItems":0}`), nil
	})

	_, err := g.Search(context.Background(), "nothing here", nil, 10)
	assert.True(t, isNotFound(err))
}

func TestBuildGoogleQuery(t *testing.T) {
	t.Parallel()

	q := buildGoogleQuery("residual text", map[string]Qualifier{
		"intitle":  {"value": "the stand"},
		"inauthor": {"value": "king"},
		"isbn":     {"value": "9780385121682"},
	})
	assert.Equal(t, "isbn:9780385121682 intitle:the stand inauthor:king residual text", q)

	assert.Equal(t, "plain", buildGoogleQuery("plain", nil))
	assert.Equal(t, "", buildGoogleQuery("", nil))
}

func TestUpgradeGoogleCover(t *testing.T) {
	t.Parallel()

	in := "http://books.google.com/books/content?id=x&zoom=1&edge=curl&img=1"
	out := upgradeGoogleCover(in)
	assert.Contains(t, out, "https://")
	assert.Contains(t, out, "zoom=3")
	assert.NotContains(t, out, "edge=curl")
}

func TestGoogleBooksCoverCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := testGoogleBooks(nil)

	book := &Book{
		Source:     SourceGoogleBooks,
		ExternalID: "zyTCAlFPjgYC",
		Cover: CoverState{
			URL:         "http://books.google.com/books/content?id=zyTCAlFPjgYC&zoom=1",
			FallbackURL: "http://books.google.com/thumb",
			Source:      SourceGoogleBooks,
		},
	}
	urls, err := g.CoverCandidates(ctx, book)
	require.NoError(t, err)
	require.Len(t, urls, 3)
	assert.Contains(t, urls[0], "zoom=3")
	assert.Contains(t, urls[2], "printsec=frontcover")

	_, err = g.CoverCandidates(ctx, &Book{Source: SourceOpenLibrary})
	assert.True(t, isNotFound(err))
}

func TestGoogleBooksHasKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultProviderConfig()
	assert.True(t, NewGoogleBooks("k", cfg, testProviderMetrics()).HasKey())
	assert.False(t, NewGoogleBooks("", cfg, testProviderMetrics()).HasKey())
}

package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPIResolver serves handler tests from a fixed book set.
type fakeAPIResolver struct {
	books       map[string]*Book
	authors     []AuthorResult
	invalidated []string
}

func (f *fakeAPIResolver) FetchByID(_ context.Context, identifier string) (*Book, error) {
	if book, ok := f.books[identifier]; ok {
		return book, nil
	}
	return nil, errNotFound
}

func (f *fakeAPIResolver) SearchBooks(_ context.Context, query string, _ int) ([]SearchResult, error) {
	var out []SearchResult
	for _, b := range f.books {
		if strings.Contains(strings.ToLower(b.Title), strings.ToLower(query)) {
			out = append(out, SearchResult{Book: b, Score: 1})
		}
	}
	if len(out) == 0 {
		return nil, errNotFound
	}
	return out, nil
}

func (f *fakeAPIResolver) SearchAuthors(context.Context, string, int) ([]AuthorResult, error) {
	if len(f.authors) == 0 {
		return nil, errNotFound
	}
	return f.authors, nil
}

func (f *fakeAPIResolver) Invalidate(_ context.Context, identifier string) error {
	f.invalidated = append(f.invalidated, identifier)
	return nil
}

type fakeCoverResolver struct {
	state CoverState
}

func (f *fakeCoverResolver) Resolve(context.Context, *Book) CoverState { return f.state }

type fakeRecommendationFetcher struct {
	recs []Recommendation
}

func (f *fakeRecommendationFetcher) Fetch(context.Context, uuid.UUID) ([]Recommendation, error) {
	return f.recs, nil
}

type fakeBestsellerLister struct {
	lists []BestsellerList
}

func (f *fakeBestsellerLister) BestsellerLists(context.Context) ([]BestsellerList, error) {
	return f.lists, nil
}

func testMux(t *testing.T) (http.Handler, *fakeAPIResolver) {
	t.Helper()

	key := newCanonicalKey()
	resolver := &fakeAPIResolver{
		books: map[string]*Book{
			"the-stand-stephen-king": {
				ID:      key,
				Slug:    "the-stand-stephen-king",
				Title:   "The Stand",
				Authors: []string{"Stephen King"},
				ISBN13:  "9780385121682",
			},
		},
		authors: []AuthorResult{{ID: 1, Name: "Stephen King", Score: 0.9}},
	}
	api := NewAPI(
		resolver,
		&fakeCoverResolver{state: CoverState{URL: "https://cdn/x.jpg", Final: true}},
		&fakeRecommendationFetcher{recs: []Recommendation{{SourceID: key, TargetID: newCanonicalKey(), Score: 1}}},
		&fakeBestsellerLister{lists: []BestsellerList{{Collection: Collection{Type: CollectionBestseller, Name: "Hardcover Fiction"}}}},
	)
	return NewMux(api, prometheus.NewRegistry()), resolver
}

func get(t *testing.T, h http.Handler, method, path string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestMuxGetBook(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/book/the-stand-stephen-king")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var book Book
	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(body), &book))
	assert.Equal(t, "The Stand", book.Title)
	assert.Equal(t, []string{"Stephen King"}, book.Authors)
}

func TestMuxGetBookNotFound(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/book/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Not Found"}`, body)
}

func TestMuxGetCover(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/book/the-stand-stephen-king/cover")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state CoverState
	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(body), &state))
	assert.Equal(t, "https://cdn/x.jpg", state.URL)
	assert.True(t, state.Final)
}

func TestMuxGetRecommendations(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/book/the-stand-stephen-king/recommendations")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []Recommendation
	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(body), &recs))
	require.Len(t, recs, 1)
}

func TestMuxSearch(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/search?q=stand")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var results []SearchResult
	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(body), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "The Stand", results[0].Book.Title)
}

func TestMuxSearchRequiresQuery(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, _ := get(t, h, http.MethodGet, "/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMuxSearchAuthors(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/search/authors?q=king")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Stephen King")
}

func TestMuxBestsellers(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/bestsellers")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Hardcover Fiction")
}

func TestMuxAdminPurge(t *testing.T) {
	t.Parallel()
	h, resolver := testMux(t)

	resp, _ := get(t, h, http.MethodDelete, "/admin/cache/book/zyTCAlFPjgYC")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"zyTCAlFPjgYC"}, resolver.invalidated)
}

func TestMuxAdminRefresh(t *testing.T) {
	t.Parallel()
	h, resolver := testMux(t)

	resp, body := get(t, h, http.MethodPost, "/admin/refresh/the-stand-stephen-king")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "The Stand")
	assert.Equal(t, []string{"the-stand-stephen-king"}, resolver.invalidated)
}

func TestMuxHealthz(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestMuxMetrics(t *testing.T) {
	t.Parallel()
	h, _ := testMux(t)

	resp, body := get(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "lectern_http_inflight")
}

func TestMuxNilOptionalSurfaces(t *testing.T) {
	t.Parallel()

	resolver := &fakeAPIResolver{books: map[string]*Book{"x": {Title: "X"}}}
	h := NewMux(NewAPI(resolver, nil, nil, nil), prometheus.NewRegistry())

	resp, _ := get(t, h, http.MethodGet, "/book/x/cover")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, h, http.MethodGet, "/bestsellers")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, queryLimit(httptest.NewRequest(http.MethodGet, "/search?limit=5", nil)))
	assert.Equal(t, 0, queryLimit(httptest.NewRequest(http.MethodGet, "/search?limit=junk", nil)))
	assert.Equal(t, 0, queryLimit(httptest.NewRequest(http.MethodGet, "/search?limit=-3", nil)))
	assert.Equal(t, 0, queryLimit(httptest.NewRequest(http.MethodGet, "/search", nil)))
}

func TestWriteErrorMapsStatuses(t *testing.T) {
	t.Parallel()

	for err, want := range map[error]int{
		errNotFound:    http.StatusNotFound,
		errBadRequest:  http.StatusBadRequest,
		errRateLimited: http.StatusTooManyRequests,
		io.EOF:         http.StatusInternalServerError,
	} {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), err)
		assert.Equal(t, want, rec.Code)
	}
}

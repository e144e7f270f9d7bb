package internal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/stampede"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiResolver is the resolution surface the handlers call.
type apiResolver interface {
	FetchByID(ctx context.Context, identifier string) (*Book, error)
	SearchBooks(ctx context.Context, query string, limit int) ([]SearchResult, error)
	SearchAuthors(ctx context.Context, query string, limit int) ([]AuthorResult, error)
	Invalidate(ctx context.Context, identifier string) error
}

// coverResolver is the cover surface.
type coverResolver interface {
	Resolve(ctx context.Context, book *Book) CoverState
}

// recommendationFetcher is the recommendation surface.
type recommendationFetcher interface {
	Fetch(ctx context.Context, key uuid.UUID) ([]Recommendation, error)
}

// bestsellerLister lists the stored charts.
type bestsellerLister interface {
	BestsellerLists(ctx context.Context) ([]BestsellerList, error)
}

// API holds the handler dependencies.
type API struct {
	resolver apiResolver
	covers   coverResolver
	recs     recommendationFetcher
	lists    bestsellerLister
}

// NewAPI wires the handler set. covers, recs, and lists may be nil; their
// routes then answer 404.
func NewAPI(resolver apiResolver, covers coverResolver, recs recommendationFetcher, lists bestsellerLister) *API {
	return &API{resolver: resolver, covers: covers, recs: recs, lists: lists}
}

// NewMux assembles the routes and the middleware stack: request IDs, real
// IPs, metrics, panic recovery, CORS, a per-client rate limit, response
// compression, and request coalescing on the hot lookup path.
func NewMux(api *API, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	coalesced := stampede.Handler(512, time.Second)

	mux.Handle("GET /book/{identifier}", coalesced(http.HandlerFunc(api.getBook)))
	mux.Handle("GET /book/{identifier}/cover", coalesced(http.HandlerFunc(api.getCover)))
	mux.HandleFunc("GET /book/{identifier}/recommendations", api.getRecommendations)
	mux.HandleFunc("GET /search", api.searchBooks)
	mux.HandleFunc("GET /search/authors", api.searchAuthors)
	mux.HandleFunc("GET /bestsellers", api.getBestsellers)

	mux.HandleFunc("DELETE /admin/cache/book/{identifier}", api.purgeBook)
	mux.HandleFunc("POST /admin/refresh/{identifier}", api.refreshBook)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = gzhttp.GzipHandler(h)
	h = httprate.LimitByIP(120, time.Minute)(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})(h)
	h = middleware.Recoverer(h)
	h = instrument(reg, h)
	h = middleware.RealIP(h)
	h = middleware.RequestID(h)
	return h
}

// GetBook godoc
//
//	@Summary  Fetch a book by any identifier
//	@Param    identifier  path  string  true  "canonical key, ISBN-10/13, provider ID, or slug"
//	@Produce  json
//	@Success  200  {object}  Book
//	@Router   /book/{identifier} [get]
func (a *API) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := a.resolver.FetchByID(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, book)
}

// GetCover godoc
//
//	@Summary  Fetch the current cover selection for a book
//	@Produce  json
//	@Success  200  {object}  CoverState
//	@Router   /book/{identifier}/cover [get]
func (a *API) getCover(w http.ResponseWriter, r *http.Request) {
	if a.covers == nil {
		writeError(w, r, errNotFound)
		return
	}
	book, err := a.resolver.FetchByID(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a.covers.Resolve(r.Context(), book))
}

// GetRecommendations godoc
//
//	@Summary  Fetch similar books
//	@Produce  json
//	@Success  200  {array}  Recommendation
//	@Router   /book/{identifier}/recommendations [get]
func (a *API) getRecommendations(w http.ResponseWriter, r *http.Request) {
	if a.recs == nil {
		writeError(w, r, errNotFound)
		return
	}
	book, err := a.resolver.FetchByID(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := a.recs.Fetch(r.Context(), book.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, recs)
}

// SearchBooks godoc
//
//	@Summary  Full-text book search
//	@Param    q      query  string  true   "query; supports intitle:/inauthor:/subject:/isbn: operators"
//	@Param    limit  query  int     false  "maximum results"
//	@Produce  json
//	@Success  200  {array}  SearchResult
//	@Router   /search [get]
func (a *API) searchBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, errBadRequest)
		return
	}
	results, err := a.resolver.SearchBooks(r.Context(), q, queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// SearchAuthors godoc
//
//	@Summary  Author name search
//	@Param    q  query  string  true  "author name fragment"
//	@Produce  json
//	@Success  200  {array}  AuthorResult
//	@Router   /search/authors [get]
func (a *API) searchAuthors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, errBadRequest)
		return
	}
	results, err := a.resolver.SearchAuthors(r.Context(), q, queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// GetBestsellers godoc
//
//	@Summary  Current bestseller lists with stored members
//	@Produce  json
//	@Success  200  {array}  BestsellerList
//	@Router   /bestsellers [get]
func (a *API) getBestsellers(w http.ResponseWriter, r *http.Request) {
	if a.lists == nil {
		writeError(w, r, errNotFound)
		return
	}
	lists, err := a.lists.BestsellerLists(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, lists)
}

// PurgeBook godoc
//
//	@Summary  Drop cached payloads for an identifier
//	@Success  204
//	@Router   /admin/cache/book/{identifier} [delete]
func (a *API) purgeBook(w http.ResponseWriter, r *http.Request) {
	if err := a.resolver.Invalidate(r.Context(), r.PathValue("identifier")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshBook godoc
//
//	@Summary  Force a fresh provider fetch for an identifier
//	@Produce  json
//	@Success  200  {object}  Book
//	@Router   /admin/refresh/{identifier} [post]
func (a *API) refreshBook(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	if err := a.resolver.Invalidate(r.Context(), identifier); err != nil {
		writeError(w, r, err)
		return
	}
	book, err := a.resolver.FetchByID(r.Context(), identifier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, book)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0 // Resolver applies its default.
	}
	return n
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps our error taxonomy onto HTTP: anything carrying a status
// uses it, everything else is a 500. Bodies are small JSON envelopes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var s interface{ Status() int }
	if errors.As(err, &s) {
		status = s.Status()
	}
	if status >= 500 {
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(http.StatusText(status)) + `}`))
}

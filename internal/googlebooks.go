package internal

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
)

const (
	_googleBooksHost = "www.googleapis.com"
	_googlePageSize  = 40
	_googleMaxItems  = 200
)

// GoogleBooks is the primary metadata provider. When an API key is
// configured requests carry it as a query parameter; the keyless client is
// kept around as a fallback because the anonymous quota is tracked
// separately.
type GoogleBooks struct {
	client  *http.Client
	keyless *http.Client
	hasKey  bool
	guard   *resilience
}

var (
	_ providerClient = (*GoogleBooks)(nil)
	_ coverProvider  = (*GoogleBooks)(nil)
)

// NewGoogleBooks builds the client. apiKey may be empty.
func NewGoogleBooks(apiKey string, cfg ProviderConfig, metrics *providerMetrics) *GoogleBooks {
	return &GoogleBooks{
		client:  newProviderClient(_googleBooksHost, "key", apiKey),
		keyless: newProviderClient(_googleBooksHost, "", ""),
		hasKey:  apiKey != "",
		guard:   newResilience(SourceGoogleBooks, cfg, metrics),
	}
}

func (g *GoogleBooks) Name() Source { return SourceGoogleBooks }

// FetchByID fetches one volume by its GoogleBooks volume id.
func (g *GoogleBooks) FetchByID(ctx context.Context, externalID string) (providerResult, error) {
	raw, err := g.guard.call(ctx, "fetch_by_id", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, g.client, "https://"+_googleBooksHost+"/books/v1/volumes/"+url.PathEscape(externalID))
	})
	if err != nil {
		return providerResult{}, err
	}
	return g.parse(raw)
}

// FetchByISBN searches for a volume by ISBN and keeps the matches.
func (g *GoogleBooks) FetchByISBN(ctx context.Context, isbn string) (providerResult, error) {
	return g.search(ctx, g.client, "isbn:"+sanitizeISBN(isbn), 1)
}

// Search runs a free-text query, reattaching any extracted qualifiers as
// GoogleBooks search operators.
func (g *GoogleBooks) Search(ctx context.Context, query string, qualifiers map[string]Qualifier, limit int) (providerResult, error) {
	return g.search(ctx, g.client, buildGoogleQuery(query, qualifiers), limit)
}

// SearchKeyless is Search without the API key, for when the keyed quota is
// exhausted.
func (g *GoogleBooks) SearchKeyless(ctx context.Context, query string, qualifiers map[string]Qualifier, limit int) (providerResult, error) {
	return g.search(ctx, g.keyless, buildGoogleQuery(query, qualifiers), limit)
}

// HasKey reports whether the keyed client actually carries a key; the
// keyless fallback is pointless otherwise.
func (g *GoogleBooks) HasKey() bool { return g.hasKey }

func (g *GoogleBooks) search(ctx context.Context, client *http.Client, q string, limit int) (providerResult, error) {
	if limit <= 0 || limit > _googleMaxItems {
		limit = _googleMaxItems
	}

	var (
		out  providerResult
		errs error
	)
	for page := range g.pages(ctx, client, q) {
		if page.err != nil {
			errs = page.err
			break
		}
		out.Raw = page.raw // Last page wins; pages are self-contained documents.
		out.Books = append(out.Books, page.books...)
		if len(out.Books) >= limit {
			break
		}
	}

	out.Books = dedupeBooks(out.Books)
	if len(out.Books) == 0 {
		if errs != nil {
			return providerResult{}, errs
		}
		return providerResult{}, errNotFound
	}
	if len(out.Books) > limit {
		out.Books = out.Books[:limit]
	}
	return out, nil
}

type searchPage struct {
	raw   []byte
	books []*Book
	err   error
}

// pages lazily walks the paginated volume listing. The sequence stops on the
// first empty page, the first error, or the hard item cap, whichever comes
// first.
func (g *GoogleBooks) pages(ctx context.Context, client *http.Client, q string) iter.Seq[searchPage] {
	return func(yield func(searchPage) bool) {
		for start := 0; start < _googleMaxItems; start += _googlePageSize {
			values := url.Values{}
			values.Set("q", q)
			values.Set("maxResults", fmt.Sprint(_googlePageSize))
			if start > 0 {
				values.Set("startIndex", fmt.Sprint(start))
			}

			raw, err := g.guard.call(ctx, "search", func(ctx context.Context) ([]byte, error) {
				return getJSON(ctx, client, "https://"+_googleBooksHost+"/books/v1/volumes?"+values.Encode())
			})
			if err != nil {
				yield(searchPage{err: err})
				return
			}

			books, err := parsePayload(raw, SourceGoogleBooks)
			if isNotFound(err) {
				return // Empty page ends the walk cleanly.
			}
			if err != nil {
				yield(searchPage{err: err})
				return
			}
			if !yield(searchPage{raw: raw, books: books}) {
				return
			}
			if len(books) < _googlePageSize {
				return
			}
		}
	}
}

func (g *GoogleBooks) parse(raw []byte) (providerResult, error) {
	books, err := parsePayload(raw, SourceGoogleBooks)
	if err != nil {
		return providerResult{}, err
	}
	return providerResult{Raw: raw, Books: books}, nil
}

// CoverCandidates returns the image links already parsed from the volume,
// biggest first, with the zoomed frontcover endpoint as an extra candidate
// when we know the volume id.
func (g *GoogleBooks) CoverCandidates(_ context.Context, book *Book) ([]string, error) {
	var out []string
	if book.Cover.Source == SourceGoogleBooks {
		if book.Cover.URL != "" {
			out = append(out, upgradeGoogleCover(book.Cover.URL))
		}
		if book.Cover.FallbackURL != "" && book.Cover.FallbackURL != book.Cover.URL {
			out = append(out, book.Cover.FallbackURL)
		}
	}
	if book.Source == SourceGoogleBooks && book.ExternalID != "" {
		out = append(out, fmt.Sprintf(
			"https://books.google.com/books/content?id=%s&printsec=frontcover&img=1&zoom=3",
			url.QueryEscape(book.ExternalID)))
	}
	if len(out) == 0 {
		return nil, errNotFound
	}
	return out, nil
}

// upgradeGoogleCover rewrites thumbnail links for a larger render: https,
// zoom=1 bumped to zoom=3, edge-curl stripped.
func upgradeGoogleCover(u string) string {
	u = strings.Replace(u, "http://", "https://", 1)
	u = strings.Replace(u, "zoom=5", "zoom=3", 1)
	u = strings.Replace(u, "zoom=1", "zoom=3", 1)
	u = strings.ReplaceAll(u, "&edge=curl", "")
	return u
}

// buildGoogleQuery reattaches extracted qualifiers as search operators ahead
// of the residual free text.
func buildGoogleQuery(query string, qualifiers map[string]Qualifier) string {
	parts := make([]string, 0, len(qualifiers)+1)
	for _, op := range []string{"isbn", "intitle", "inauthor", "subject"} {
		q, ok := qualifiers[op]
		if !ok {
			continue
		}
		if v, ok := q["value"].(string); ok && v != "" {
			parts = append(parts, op+":"+v)
		}
	}
	if query != "" {
		parts = append(parts, query)
	}
	return strings.Join(parts, " ")
}

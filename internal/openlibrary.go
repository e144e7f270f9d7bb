package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	_openLibraryHost  = "openlibrary.org"
	_openLibraryCover = "https://covers.openlibrary.org/b/isbn/%s-L.jpg"
)

// OpenLibrary is the secondary metadata provider. Its native shapes are
// mapped onto Books here; the raw payload is stored as received.
type OpenLibrary struct {
	client *http.Client
	guard  *resilience
}

var (
	_ providerClient = (*OpenLibrary)(nil)
	_ coverProvider  = (*OpenLibrary)(nil)
)

func NewOpenLibrary(cfg ProviderConfig, metrics *providerMetrics) *OpenLibrary {
	return &OpenLibrary{
		client: newProviderClient(_openLibraryHost, "", ""),
		guard:  newResilience(SourceOpenLibrary, cfg, metrics),
	}
}

func (o *OpenLibrary) Name() Source { return SourceOpenLibrary }

// olEdition is the /isbn/{isbn}.json shape, reduced to the fields we keep.
type olEdition struct {
	Key           string   `json:"key,omitempty"`
	Title         string   `json:"title,omitempty"`
	Subtitle      string   `json:"subtitle,omitempty"`
	PublishDate   string   `json:"publish_date,omitempty"`
	Publishers    []string `json:"publishers,omitempty"`
	NumberOfPages int      `json:"number_of_pages,omitempty"`
	ISBN10        []string `json:"isbn_10,omitempty"`
	ISBN13        []string `json:"isbn_13,omitempty"`
	Subjects      []string `json:"subjects,omitempty"`
	ByStatement   string   `json:"by_statement,omitempty"`
	Description   any      `json:"description,omitempty"`
	Languages     []olRef  `json:"languages,omitempty"`
	Covers        []int64  `json:"covers,omitempty"`
}

type olRef struct {
	Key string `json:"key,omitempty"`
}

// olSearch is the /search.json shape.
type olSearch struct {
	Docs []olDoc `json:"docs,omitempty"`
}

type olDoc struct {
	Key              string   `json:"key,omitempty"`
	Title            string   `json:"title,omitempty"`
	AuthorName       []string `json:"author_name,omitempty"`
	FirstPublishYear int      `json:"first_publish_year,omitempty"`
	ISBN             []string `json:"isbn,omitempty"`
	Subject          []string `json:"subject,omitempty"`
	Language         []string `json:"language,omitempty"`
	Publisher        []string `json:"publisher,omitempty"`
	CoverID          int64    `json:"cover_i,omitempty"`
	RatingsAverage   float64  `json:"ratings_average,omitempty"`
	RatingsCount     int      `json:"ratings_count,omitempty"`
}

// FetchByID fetches an edition by its OpenLibrary key ("OL...M").
func (o *OpenLibrary) FetchByID(ctx context.Context, externalID string) (providerResult, error) {
	raw, err := o.guard.call(ctx, "fetch_by_id", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, o.client, "https://"+_openLibraryHost+"/books/"+url.PathEscape(externalID)+".json")
	})
	if err != nil {
		return providerResult{}, err
	}
	return o.parseEdition(raw)
}

// FetchByISBN fetches an edition by ISBN.
func (o *OpenLibrary) FetchByISBN(ctx context.Context, isbn string) (providerResult, error) {
	raw, err := o.guard.call(ctx, "fetch_by_isbn", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, o.client, "https://"+_openLibraryHost+"/isbn/"+url.PathEscape(sanitizeISBN(isbn))+".json")
	})
	if err != nil {
		return providerResult{}, err
	}
	return o.parseEdition(raw)
}

// Search runs the work-level search. Title and author qualifiers map onto
// OpenLibrary's dedicated parameters; everything else rides in q.
func (o *OpenLibrary) Search(ctx context.Context, query string, qualifiers map[string]Qualifier, limit int) (providerResult, error) {
	if limit <= 0 {
		limit = 20
	}
	values := url.Values{}
	values.Set("limit", fmt.Sprint(limit))
	if v := qualifierValue(qualifiers, "intitle"); v != "" {
		values.Set("title", v)
	}
	if v := qualifierValue(qualifiers, "inauthor"); v != "" {
		values.Set("author", v)
	}
	if v := qualifierValue(qualifiers, "isbn"); v != "" && query == "" {
		query = v
	}
	if query != "" {
		values.Set("q", query)
	}
	if values.Get("q") == "" && values.Get("title") == "" && values.Get("author") == "" {
		return providerResult{}, errBadRequest
	}

	raw, err := o.guard.call(ctx, "search", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, o.client, "https://"+_openLibraryHost+"/search.json?"+values.Encode())
	})
	if err != nil {
		return providerResult{}, err
	}

	var result olSearch
	if err := sonic.ConfigStd.Unmarshal(raw, &result); err != nil {
		return providerResult{}, corruptErr(raw)
	}

	books := make([]*Book, 0, len(result.Docs))
	for _, doc := range result.Docs {
		if b := doc.book(); b != nil {
			books = append(books, b)
		}
	}
	books = dedupeBooks(books)
	if len(books) == 0 {
		return providerResult{}, errNotFound
	}
	return providerResult{Raw: raw, Books: books}, nil
}

func (o *OpenLibrary) parseEdition(raw []byte) (providerResult, error) {
	var ed olEdition
	if err := sonic.ConfigStd.Unmarshal(raw, &ed); err != nil {
		return providerResult{}, corruptErr(raw)
	}
	b := ed.book()
	if b == nil {
		return providerResult{}, errNotFound
	}
	return providerResult{Raw: raw, Books: []*Book{b}}, nil
}

func (e *olEdition) book() *Book {
	b := &Book{
		Source:        SourceOpenLibrary,
		ExternalID:    strings.TrimPrefix(e.Key, "/books/"),
		Title:         strings.TrimSpace(e.Title),
		Subtitle:      strings.TrimSpace(e.Subtitle),
		PublishedDate: expandDate(e.PublishDate),
		PageCount:     e.NumberOfPages,
		Categories:    e.Subjects,
	}
	if len(e.Publishers) > 0 {
		b.Publisher = strings.TrimSpace(e.Publishers[0])
	}
	for _, isbn := range e.ISBN13 {
		if s := sanitizeISBN(isbn); isISBN13(s) {
			b.ISBN13 = s
			break
		}
	}
	for _, isbn := range e.ISBN10 {
		if s := sanitizeISBN(isbn); isISBN10(s) {
			b.ISBN10 = s
			break
		}
	}
	if e.ByStatement != "" {
		b.Authors = dedupeAuthors([]string{strings.TrimSuffix(strings.TrimPrefix(e.ByStatement, "by "), ".")})
	}
	switch d := e.Description.(type) {
	case string:
		b.Description = sanitizeDescription(d)
	case map[string]any:
		if v, ok := d["value"].(string); ok {
			b.Description = sanitizeDescription(v)
		}
	}
	if len(e.Languages) > 0 {
		b.Language = strings.TrimPrefix(e.Languages[0].Key, "/languages/")
	}
	if isbn := b.ISBN13; isbn != "" {
		b.Cover = CoverState{URL: fmt.Sprintf(_openLibraryCover, isbn), Source: SourceOpenLibrary}
	} else if len(e.Covers) > 0 && e.Covers[0] > 0 {
		b.Cover = CoverState{
			URL:    fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", e.Covers[0]),
			Source: SourceOpenLibrary,
		}
	}

	if b.ExternalID == "" && b.Title == "" && b.ISBN13 == "" && b.ISBN10 == "" {
		return nil
	}
	return b
}

func (d *olDoc) book() *Book {
	b := &Book{
		Source:        SourceOpenLibrary,
		ExternalID:    strings.TrimPrefix(d.Key, "/works/"),
		Title:         strings.TrimSpace(d.Title),
		Authors:       dedupeAuthors(d.AuthorName),
		AverageRating: d.RatingsAverage,
		RatingsCount:  d.RatingsCount,
	}
	if d.FirstPublishYear > 0 {
		b.PublishedDate = expandDate(fmt.Sprint(d.FirstPublishYear))
	}
	if len(d.Publisher) > 0 {
		b.Publisher = strings.TrimSpace(d.Publisher[0])
	}
	if len(d.Subject) > 8 {
		b.Categories = d.Subject[:8] // Work subjects run into the hundreds.
	} else {
		b.Categories = d.Subject
	}
	if len(d.Language) > 0 {
		b.Language = strings.ToLower(d.Language[0])
	}
	for _, isbn := range d.ISBN {
		s := sanitizeISBN(isbn)
		if b.ISBN13 == "" && isISBN13(s) {
			b.ISBN13 = s
		}
		if b.ISBN10 == "" && isISBN10(s) {
			b.ISBN10 = s
		}
		if b.ISBN13 != "" && b.ISBN10 != "" {
			break
		}
	}
	if b.ISBN13 != "" {
		b.Cover = CoverState{URL: fmt.Sprintf(_openLibraryCover, b.ISBN13), Source: SourceOpenLibrary}
	} else if d.CoverID > 0 {
		b.Cover = CoverState{
			URL:    fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", d.CoverID),
			Source: SourceOpenLibrary,
		}
	}

	if b.ExternalID == "" && b.Title == "" {
		return nil
	}
	return b
}

// CoverCandidates derives cover URLs from the book's ISBNs.
func (o *OpenLibrary) CoverCandidates(_ context.Context, book *Book) ([]string, error) {
	var out []string
	for _, isbn := range []string{book.ISBN13, book.ISBN10} {
		if isbn != "" {
			out = append(out, fmt.Sprintf(_openLibraryCover, isbn))
		}
	}
	if len(out) == 0 {
		return nil, errNotFound
	}
	return out, nil
}

func qualifierValue(qualifiers map[string]Qualifier, key string) string {
	q, ok := qualifiers[key]
	if !ok {
		return ""
	}
	v, _ := q["value"].(string)
	return v
}

package internal

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/option"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var _stripTags = bluemonday.StrictPolicy()

// Configure sonic's memory pooling. Provider payloads can be large but are
// bounded by the response limits on each client.
func init() {
	option.LimitBufferSize = 32 * 1024 * 1024     // 32MB max buffer.
	option.DefaultDecoderBufferSize = 1024 * 1024 // 1MB
	option.DefaultEncoderBufferSize = 1024 * 1024 // 1MB
}

// _maxGarbagePrefix is how much junk we'll tolerate ahead of a payload's
// first brace. Beyond that the payload is corrupt, not merely dirty.
const _maxGarbagePrefix = 100

// _maxUnwrapDepth bounds recursive unwrapping of stringified or wrapped
// payloads.
const _maxUnwrapDepth = 3

// volumeDoc is the canonical payload shape. Provider responses and cached
// blobs are all GoogleBooks-flavored; the AGGREGATED flavor additionally
// carries top-level author/description fields.
type volumeDoc struct {
	ID         string      `json:"id,omitempty"`
	VolumeInfo *volumeInfo `json:"volumeInfo,omitempty"`
	SaleInfo   *saleInfo   `json:"saleInfo,omitempty"`
	AccessInfo *accessInfo `json:"accessInfo,omitempty"`

	// AGGREGATED flavor.
	Title       string               `json:"title,omitempty"`
	Author      string               `json:"author,omitempty"`
	Description string               `json:"description,omitempty"`
	Qualifiers  map[string]Qualifier `json:"qualifiers,omitempty"`

	// Pre-processed wrapper emitted by older pipelines: the real payload is
	// stringified inside. Detected by title == id.
	RawJSONResponse string `json:"rawJsonResponse,omitempty"`

	Items []volumeDoc `json:"items,omitempty"`
}

type volumeInfo struct {
	Title               string            `json:"title,omitempty"`
	Subtitle            string            `json:"subtitle,omitempty"`
	Authors             []string          `json:"authors,omitempty"`
	Publisher           string            `json:"publisher,omitempty"`
	PublishedDate       string            `json:"publishedDate,omitempty"`
	Description         string            `json:"description,omitempty"`
	IndustryIdentifiers []industryID      `json:"industryIdentifiers,omitempty"`
	PageCount           int               `json:"pageCount,omitempty"`
	Categories          []string          `json:"categories,omitempty"`
	AverageRating       float64           `json:"averageRating,omitempty"`
	RatingsCount        int               `json:"ratingsCount,omitempty"`
	Language            string            `json:"language,omitempty"`
	ImageLinks          *imageLinks       `json:"imageLinks,omitempty"`
	Dimensions          *volumeDimensions `json:"dimensions,omitempty"`
}

type industryID struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

type imageLinks struct {
	SmallThumbnail string `json:"smallThumbnail,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	Small          string `json:"small,omitempty"`
	Medium         string `json:"medium,omitempty"`
	Large          string `json:"large,omitempty"`
	ExtraLarge     string `json:"extraLarge,omitempty"`
}

// best returns the largest available link and the thumbnail fallback.
func (l *imageLinks) best() (string, string) {
	if l == nil {
		return "", ""
	}
	fallback := l.Thumbnail
	if fallback == "" {
		fallback = l.SmallThumbnail
	}
	for _, u := range []string{l.ExtraLarge, l.Large, l.Medium, l.Small, l.Thumbnail, l.SmallThumbnail} {
		if u != "" {
			return u, fallback
		}
	}
	return "", fallback
}

type volumeDimensions struct {
	Height    string `json:"height,omitempty"`
	Width     string `json:"width,omitempty"`
	Thickness string `json:"thickness,omitempty"`
}

type saleInfo struct {
	ListPrice *price `json:"listPrice,omitempty"`
}

type price struct {
	Amount       float64 `json:"amount,omitempty"`
	CurrencyCode string  `json:"currencyCode,omitempty"`
}

type accessInfo struct {
	Viewability string `json:"viewability,omitempty"`
}

// parsePayload turns one raw provider or cache payload into books: clean,
// decode, map, dedupe. Unusable input comes back as errCorrupt with a sample
// of the offending bytes.
func parsePayload(raw []byte, src Source) ([]*Book, error) {
	docs, err := cleanPayload(raw)
	if err != nil {
		return nil, err
	}

	var books []*Book
	for _, doc := range docs {
		parsed, err := parseDoc(doc, src, 0)
		if err != nil {
			return nil, err
		}
		books = append(books, parsed...)
	}

	books = dedupeBooks(books)
	if len(books) == 0 {
		return nil, errNotFound
	}
	return books, nil
}

// cleanPayload performs the structural repairs that happen before any JSON
// decoding: stray prefix bytes, control characters, concatenated documents,
// and whole-payload stringification.
func cleanPayload(raw []byte) ([][]byte, error) {
	cleaned := stripControl(raw)

	start := bytes.IndexAny(cleaned, "{[\"")
	if start < 0 || start > _maxGarbagePrefix {
		return nil, corruptErr(cleaned)
	}
	cleaned = cleaned[start:]

	// A payload that is itself a JSON string is a stringified document;
	// unquote once and start over.
	if cleaned[0] == '"' {
		unquoted, err := strconv.Unquote(string(bytes.TrimSpace(cleaned)))
		if err != nil {
			return nil, corruptErr(cleaned)
		}
		return cleanPayload([]byte(unquoted))
	}

	docs := splitConcatenated(cleaned)
	if len(docs) == 0 {
		return nil, corruptErr(cleaned)
	}
	return docs, nil
}

// stripControl drops NUL and other control characters, keeping tab, newline
// and carriage return.
func stripControl(raw []byte) []byte {
	if !bytes.ContainsFunc(raw, isBadByte) {
		return raw
	}
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if isBadByte(rune(b)) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func isBadByte(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20
}

// splitConcatenated walks the payload balancing braces (quote-aware) and
// slices out each top-level document. `}{` seams between objects are how we
// see them concatenated in the wild.
func splitConcatenated(data []byte) [][]byte {
	var docs [][]byte
	depth, start := 0, -1
	inString, escaped := false, false

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth == 0 {
				continue // Stray closer; skip.
			}
			depth--
			if depth == 0 && start >= 0 {
				docs = append(docs, data[start:i+1])
				start = -1
			}
		}
	}
	return docs
}

// corruptErr wraps errCorrupt with a short sample of the payload for the
// logs.
func corruptErr(raw []byte) error {
	sample := raw
	if len(sample) > 64 {
		sample = sample[:64]
	}
	return errors.Join(errCorrupt, fmt.Errorf("payload prefix %q", sample))
}

// parseDoc decodes one standalone JSON document into books, unwrapping the
// rawJsonResponse envelope when present.
func parseDoc(doc []byte, src Source, depth int) ([]*Book, error) {
	if depth > _maxUnwrapDepth {
		return nil, corruptErr(doc)
	}

	var vd volumeDoc
	if err := sonic.ConfigStd.Unmarshal(doc, &vd); err != nil {
		return nil, errors.Join(errCorrupt, err)
	}

	// Older pipelines wrapped the real payload in a stub whose title echoes
	// its id. Unwrap and try again.
	if vd.RawJSONResponse != "" && vd.Title == vd.ID {
		inner, err := cleanPayload([]byte(vd.RawJSONResponse))
		if err != nil {
			return nil, err
		}
		var books []*Book
		for _, d := range inner {
			parsed, err := parseDoc(d, src, depth+1)
			if err != nil {
				return nil, err
			}
			books = append(books, parsed...)
		}
		return books, nil
	}

	if len(vd.Items) > 0 {
		books := make([]*Book, 0, len(vd.Items))
		for _, item := range vd.Items {
			if b := volumeToBook(&item, src); b != nil {
				books = append(books, b)
			}
		}
		return books, nil
	}

	if b := volumeToBook(&vd, src); b != nil {
		return []*Book{b}, nil
	}
	return nil, nil
}

// volumeToBook maps one canonical document onto a Book. Returns nil when the
// document carries nothing identifiable.
func volumeToBook(vd *volumeDoc, src Source) *Book {
	b := &Book{ExternalID: vd.ID, Source: src, Qualifiers: vd.Qualifiers}

	if vi := vd.VolumeInfo; vi != nil {
		b.Title = strings.TrimSpace(vi.Title)
		b.Subtitle = strings.TrimSpace(vi.Subtitle)
		b.Description = sanitizeDescription(vi.Description)
		b.Authors = dedupeAuthors(vi.Authors)
		b.Categories = vi.Categories
		b.Publisher = strings.TrimSpace(vi.Publisher)
		b.PublishedDate = expandDate(vi.PublishedDate)
		b.Language = strings.ToLower(strings.TrimSpace(vi.Language))
		b.PageCount = vi.PageCount
		b.AverageRating = vi.AverageRating
		b.RatingsCount = vi.RatingsCount

		for _, id := range vi.IndustryIdentifiers {
			isbn := sanitizeISBN(id.Identifier)
			switch {
			case strings.EqualFold(id.Type, "ISBN_13") && isISBN13(isbn):
				b.ISBN13 = isbn
			case strings.EqualFold(id.Type, "ISBN_10") && isISBN10(isbn):
				b.ISBN10 = isbn
			}
		}

		if url, fallback := vi.ImageLinks.best(); url != "" {
			b.Cover = CoverState{URL: url, FallbackURL: fallback, Source: src}
		}

		if d := vi.Dimensions; d != nil {
			dim := &Dimensions{
				HeightCM:    parseCentimeters(d.Height),
				WidthCM:     parseCentimeters(d.Width),
				ThicknessCM: parseCentimeters(d.Thickness),
			}
			if *dim != (Dimensions{}) {
				b.Dimensions = dim
			}
		}
	}

	// AGGREGATED flavor fields fill any gaps.
	if b.Title == "" {
		b.Title = strings.TrimSpace(vd.Title)
	}
	if b.Description == "" {
		b.Description = sanitizeDescription(vd.Description)
	}
	if len(b.Authors) == 0 && vd.Author != "" {
		b.Authors = dedupeAuthors([]string{vd.Author})
	}

	if si := vd.SaleInfo; si != nil && si.ListPrice != nil {
		b.ListPrice = si.ListPrice.Amount
		b.Currency = si.ListPrice.CurrencyCode
	}
	if ai := vd.AccessInfo; ai != nil {
		b.Viewability = ai.Viewability
	}

	if b.ExternalID == "" && b.Title == "" && b.ISBN13 == "" && b.ISBN10 == "" {
		return nil
	}
	return b
}

// serializeVolume renders a Book back into the canonical payload shape.
// parsePayload(serializeVolume(b)) round-trips the fields the shape carries.
func serializeVolume(b *Book) ([]byte, error) {
	vi := &volumeInfo{
		Title:         b.Title,
		Subtitle:      b.Subtitle,
		Authors:       b.Authors,
		Publisher:     b.Publisher,
		PublishedDate: b.PublishedDate,
		Description:   b.Description,
		PageCount:     b.PageCount,
		Categories:    b.Categories,
		AverageRating: b.AverageRating,
		RatingsCount:  b.RatingsCount,
		Language:      b.Language,
	}
	if b.ISBN13 != "" {
		vi.IndustryIdentifiers = append(vi.IndustryIdentifiers, industryID{Type: "ISBN_13", Identifier: b.ISBN13})
	}
	if b.ISBN10 != "" {
		vi.IndustryIdentifiers = append(vi.IndustryIdentifiers, industryID{Type: "ISBN_10", Identifier: b.ISBN10})
	}
	if b.Cover.URL != "" {
		vi.ImageLinks = &imageLinks{Large: b.Cover.URL, Thumbnail: b.Cover.FallbackURL}
	}
	if d := b.Dimensions; d != nil {
		vi.Dimensions = &volumeDimensions{
			Height:    formatCentimeters(d.HeightCM),
			Width:     formatCentimeters(d.WidthCM),
			Thickness: formatCentimeters(d.ThicknessCM),
		}
	}

	vd := volumeDoc{
		ID:         b.ExternalID,
		VolumeInfo: vi,
		Qualifiers: b.Qualifiers,
	}
	if b.ListPrice != 0 || b.Currency != "" {
		vd.SaleInfo = &saleInfo{ListPrice: &price{Amount: b.ListPrice, CurrencyCode: b.Currency}}
	}
	if b.Viewability != "" {
		vd.AccessInfo = &accessInfo{Viewability: b.Viewability}
	}
	return sonic.ConfigStd.Marshal(vd)
}

// sanitizeDescription strips markup and entities from provider descriptions.
func sanitizeDescription(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(_stripTags.Sanitize(s)))
}

var (
	_yearRE      = regexp.MustCompile(`^\d{4}$`)
	_yearMonthRE = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	_fullDateRE  = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])$`)
)

// expandDate normalizes provider publication dates to a full calendar date.
// Bare years become January 1st, year-months the 1st. Anything else is
// dropped rather than guessed at.
func expandDate(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case _fullDateRE.MatchString(s):
		return s
	case _yearMonthRE.MatchString(s):
		return s + "-01"
	case _yearRE.MatchString(s):
		return s + "-01-01"
	}
	return ""
}

// parseCentimeters reads dimension strings like "24.00 cm".
func parseCentimeters(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "cm"))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func formatCentimeters(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + " cm"
}

var _qualifierRE = regexp.MustCompile(`(intitle|inauthor|subject|isbn):("[^"]*"|\S+)`)

// extractQualifiers pulls search operators like intitle:foo out of a query,
// returning them as structured qualifiers plus the residual free text.
func extractQualifiers(query string) (map[string]Qualifier, string) {
	matches := _qualifierRE.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(query)
	}

	qualifiers := make(map[string]Qualifier, len(matches))
	for _, m := range matches {
		value := strings.Trim(m[2], `"`)
		if m[1] == "isbn" {
			value = sanitizeISBN(value)
		}
		qualifiers[m[1]] = Qualifier{"value": value}
	}

	residual := _qualifierRE.ReplaceAllString(query, "")
	return qualifiers, strings.Join(strings.Fields(residual), " ")
}

// dedupeBooks drops duplicates keyed by ISBN-13, then ISBN-10, then
// lowercased title + first author. First occurrence wins.
func dedupeBooks(books []*Book) []*Book {
	seen := newSet[string]()
	out := books[:0]
	for _, b := range books {
		if b == nil {
			continue
		}
		key := b.dedupeKey()
		if key == "" || seen.Has(key) {
			continue
		}
		seen.Add(key)
		out = append(out, b)
	}
	return out
}

func (b *Book) dedupeKey() string {
	switch {
	case b.ISBN13 != "":
		return "13:" + b.ISBN13
	case b.ISBN10 != "":
		return "10:" + b.ISBN10
	case b.Title != "":
		return strings.ToLower(b.Title) + ":" + strings.ToLower(b.FirstAuthor())
	}
	return ""
}

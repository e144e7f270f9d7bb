package internal

import (
	"time"

	"github.com/google/uuid"
)

// Source tags where a piece of book data came from. Stored on external-id
// rows, raw payloads, cover links, and provenance records.
type Source string

// Known sources, in aggregation precedence order where it matters.
const (
	SourceGoogleBooks Source = "GOOGLE_BOOKS"
	SourceOpenLibrary Source = "OPEN_LIBRARY"
	SourceLongitood   Source = "LONGITOOD"
	SourceNYT         Source = "NEW_YORK_TIMES"
	SourceS3Cache     Source = "S3_CACHE"
	SourceLocalCache  Source = "LOCAL_CACHE"
	SourceAggregated  Source = "AGGREGATED"
	SourceNone        Source = "NONE"
	SourceUndefined   Source = "UNDEFINED"
	SourceMock        Source = "MOCK"
)

// _sourcePrecedence orders providers for per-field merges. Lower index wins.
var _sourcePrecedence = []Source{SourceGoogleBooks, SourceOpenLibrary, SourceNYT}

// Book is the canonical record the whole pipeline trades in. Parsed provider
// payloads, aggregation results, and store rows all round-trip through it.
// Zero values mean "unknown" and never overwrite stored data.
type Book struct {
	ID            uuid.UUID            `json:"id,omitempty"`
	Slug          string               `json:"slug,omitempty"`
	ExternalID    string               `json:"externalId,omitempty"`
	Source        Source               `json:"source,omitempty"`
	Title         string               `json:"title"`
	Subtitle      string               `json:"subtitle,omitempty"`
	Description   string               `json:"description,omitempty"`
	Authors       []string             `json:"authors,omitempty"`
	Categories    []string             `json:"categories,omitempty"`
	Publisher     string               `json:"publisher,omitempty"`
	PublishedDate string               `json:"publishedDate,omitempty"`
	Language      string               `json:"language,omitempty"`
	PageCount     int                  `json:"pageCount,omitempty"`
	ISBN10        string               `json:"isbn10,omitempty"`
	ISBN13        string               `json:"isbn13,omitempty"`
	AverageRating float64              `json:"averageRating,omitempty"`
	RatingsCount  int                  `json:"ratingsCount,omitempty"`
	ListPrice     float64              `json:"listPrice,omitempty"`
	Currency      string               `json:"currency,omitempty"`
	Viewability   string               `json:"viewability,omitempty"`
	Cover         CoverState           `json:"cover"`
	Dimensions    *Dimensions          `json:"dimensions,omitempty"`
	Qualifiers    map[string]Qualifier `json:"qualifiers,omitempty"`
	CreatedAt     time.Time            `json:"createdAt,omitempty"`
	UpdatedAt     time.Time            `json:"updatedAt,omitempty"`
}

// FirstAuthor returns the primary author, or "" when none is known.
func (b *Book) FirstAuthor() string {
	if len(b.Authors) == 0 {
		return ""
	}
	return b.Authors[0]
}

// Qualifier carries structured attributes for a tag on a book, e.g.
// "nytBestseller" -> {rank: 1, weeksOnList: 5}.
type Qualifier map[string]any

// CoverState is a book's current cover selection.
type CoverState struct {
	URL         string `json:"url,omitempty"`
	FallbackURL string `json:"fallbackUrl,omitempty"`
	Source      Source `json:"source,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	HighRes     bool   `json:"highRes,omitempty"`
	StorageKey  string `json:"storageKey,omitempty"`

	// Final marks the state as the outcome of an async selection pass.
	// Provisional states never overwrite a final one.
	Final bool `json:"final,omitempty"`
}

// Dimensions are physical measurements in centimeters.
type Dimensions struct {
	HeightCM    float64 `json:"heightCm,omitempty"`
	WidthCM     float64 `json:"widthCm,omitempty"`
	ThicknessCM float64 `json:"thicknessCm,omitempty"`
}

// RawPayload is one provider's unmodified response for a book. Replaced on
// each successful fetch from that source.
type RawPayload struct {
	Source    Source    `json:"source"`
	JSON      []byte    `json:"json"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// ExternalRecord links a provider identifier to a book, along with the
// enrichment columns that provider contributed.
type ExternalRecord struct {
	Source        Source  `json:"source"`
	ExternalID    string  `json:"externalId"`
	ISBN10        string  `json:"isbn10,omitempty"`
	ISBN13        string  `json:"isbn13,omitempty"`
	AverageRating float64 `json:"averageRating,omitempty"`
	RatingsCount  int     `json:"ratingsCount,omitempty"`
	ListPrice     float64 `json:"listPrice,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	Viewability   string  `json:"viewability,omitempty"`
}

// CollectionType partitions collections.
type CollectionType string

const (
	CollectionCategory   CollectionType = "CATEGORY"
	CollectionBestseller CollectionType = "BESTSELLER_LIST"
	CollectionCurated    CollectionType = "CURATED_LIST"
)

// Collection is a shared grouping of books. CATEGORY rows are deduplicated
// by normalized name; BESTSELLER_LIST rows carry the list code.
type Collection struct {
	ID             int64          `json:"id,omitempty"`
	Type           CollectionType `json:"type"`
	Source         Source         `json:"source,omitempty"`
	Name           string         `json:"name"`
	NormalizedName string         `json:"normalizedName,omitempty"`
	ListCode       string         `json:"listCode,omitempty"`
}

// Membership places a book in a collection; bestseller memberships carry
// their chart position.
type Membership struct {
	Collection  Collection `json:"collection"`
	Rank        int        `json:"rank,omitempty"`
	WeeksOnList int        `json:"weeksOnList,omitempty"`
}

// Recommendation scores a target book's similarity to a source book.
type Recommendation struct {
	SourceID    uuid.UUID `json:"sourceId"`
	TargetID    uuid.UUID `json:"targetId"`
	Score       float64   `json:"score"`
	Reasons     []string  `json:"reasons,omitempty"`
	AlgoVersion int       `json:"algoVersion"`
}

// BestsellerList is one chart with its stored members, rank order.
type BestsellerList struct {
	Collection Collection       `json:"collection"`
	Entries    []BestsellerSlot `json:"entries"`
}

// BestsellerSlot is one chart position.
type BestsellerSlot struct {
	Key         uuid.UUID `json:"key"`
	Slug        string    `json:"slug,omitempty"`
	Title       string    `json:"title"`
	Rank        int       `json:"rank,omitempty"`
	WeeksOnList int       `json:"weeksOnList,omitempty"`
}

// SearchResult pairs a book with its full-text relevance.
type SearchResult struct {
	Book  *Book   `json:"book"`
	Score float64 `json:"score"`
}

// AuthorResult is a row from the author search function.
type AuthorResult struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// SlugEntry is one row of the sitemap snapshot.
type SlugEntry struct {
	Slug      string    `json:"slug"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cache key helpers. Identifier mappings and negative lookups share the
// resolver cache; cover states live in their own caches.
func idKey(identifier string) string   { return "id:" + identifier }
func coverKey(id uuid.UUID) string     { return "cover:" + id.String() }
func coverProvKey(id uuid.UUID) string { return "cover:p:" + id.String() }

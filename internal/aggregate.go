package internal

import (
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// provenance records which source won each differentiating field during
// aggregation, plus every source that contributed at all. It rides along
// with the AGGREGATED raw payload for audit.
type provenance struct {
	Primary      Source            `json:"primary"`
	Contributors []Source          `json:"contributors"`
	Fields       map[string]Source `json:"fields,omitempty"`
	MergedAt     time.Time         `json:"mergedAt"`
}

// aggregate merges per-source parsed books into one canonical Book. Field
// rules, in order: title by precedence, authors unioned by normalized name,
// longest description, all unique ISBNs with the canonical pair chosen by
// precedence, categories unioned, numerics and ratings by precedence (never
// averaged), cover candidates left for the cover pipeline to choose from.
func aggregate(inputs map[Source]*Book) (*Book, *provenance) {
	if len(inputs) == 0 {
		return nil, nil
	}

	ordered := make([]*Book, 0, len(inputs))
	sources := make([]Source, 0, len(inputs))
	for _, src := range _sourcePrecedence {
		if b := inputs[src]; b != nil {
			ordered = append(ordered, b)
			sources = append(sources, src)
		}
	}
	// Anything outside the published precedence (mocks, cache flavors)
	// participates last, in stable order.
	extras := make([]Source, 0, len(inputs))
	for src, b := range inputs {
		if b == nil || slices.Contains(sources, src) {
			continue
		}
		extras = append(extras, src)
	}
	slices.Sort(extras)
	for _, src := range extras {
		ordered = append(ordered, inputs[src])
		sources = append(sources, src)
	}
	if len(ordered) == 0 {
		return nil, nil
	}

	prov := &provenance{
		Primary:      sources[0],
		Contributors: sources,
		Fields:       map[string]Source{},
		MergedAt:     time.Now().UTC(),
	}

	out := &Book{Source: SourceAggregated}

	for i, b := range ordered {
		src := sources[i]

		if out.Title == "" && b.Title != "" {
			out.Title = b.Title
			prov.Fields["title"] = src
		}
		if out.Subtitle == "" && b.Subtitle != "" {
			out.Subtitle = b.Subtitle
			prov.Fields["subtitle"] = src
		}
		if len(b.Description) > len(out.Description) {
			out.Description = b.Description
			prov.Fields["description"] = src
		}
		if out.Publisher == "" && b.Publisher != "" {
			out.Publisher = b.Publisher
			prov.Fields["publisher"] = src
		}
		if out.PublishedDate == "" && b.PublishedDate != "" {
			out.PublishedDate = b.PublishedDate
			prov.Fields["publishedDate"] = src
		}
		if out.Language == "" && b.Language != "" {
			out.Language = b.Language
			prov.Fields["language"] = src
		}
		if out.PageCount == 0 && b.PageCount > 0 {
			out.PageCount = b.PageCount
			prov.Fields["pageCount"] = src
		}
		if out.AverageRating == 0 && b.AverageRating > 0 {
			out.AverageRating = b.AverageRating
			out.RatingsCount = b.RatingsCount
			prov.Fields["ratings"] = src
		}
		if out.ISBN13 == "" && b.ISBN13 != "" {
			out.ISBN13 = b.ISBN13
			prov.Fields["isbn13"] = src
		}
		if out.ISBN10 == "" && b.ISBN10 != "" {
			out.ISBN10 = b.ISBN10
			prov.Fields["isbn10"] = src
		}
		if out.ExternalID == "" && b.ExternalID != "" {
			out.ExternalID = b.ExternalID
		}
		if out.ListPrice == 0 && b.ListPrice > 0 {
			out.ListPrice = b.ListPrice
			out.Currency = b.Currency
		}
		if out.Viewability == "" && b.Viewability != "" {
			out.Viewability = b.Viewability
		}
		if out.Dimensions == nil && b.Dimensions != nil {
			out.Dimensions = b.Dimensions
			prov.Fields["dimensions"] = src
		}
		if out.Cover.URL == "" && b.Cover.URL != "" {
			// Provisional; the cover pipeline revisits candidates async.
			out.Cover = b.Cover
			prov.Fields["cover"] = src
		}

		for key, q := range b.Qualifiers {
			if out.Qualifiers == nil {
				out.Qualifiers = map[string]Qualifier{}
			}
			if _, ok := out.Qualifiers[key]; !ok {
				out.Qualifiers[key] = q
			}
		}
	}

	authorLists := make([][]string, len(ordered))
	for i, b := range ordered {
		authorLists[i] = b.Authors
	}
	out.Authors = dedupeAuthors(authorLists...)
	if len(out.Authors) > 0 {
		prov.Fields["authors"] = sourceOfFirstAuthor(ordered, sources, out.Authors[0])
	}

	out.Categories = dedupeCategories(ordered)

	if out.Title == "" {
		// Last resort so the record stays addressable.
		out.Title = out.ExternalID
	}
	return out, prov
}

// dedupeCategories unions category lists by normalized name, preserving
// first-appearance order.
func dedupeCategories(books []*Book) []string {
	seen := newSet[string]()
	var out []string
	for _, b := range books {
		for _, c := range b.Categories {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			key := normalizeCategory(c)
			if key == "" || seen.Has(key) {
				continue
			}
			seen.Add(key)
			out = append(out, c)
		}
	}
	return out
}

// appendProvenance attaches the merge provenance to a serialized canonical
// payload under a top-level key, for audit alongside the per-source raws.
func appendProvenance(payload []byte, prov *provenance) ([]byte, error) {
	if prov == nil {
		return payload, nil
	}
	var doc map[string]any
	if err := sonic.ConfigStd.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	doc["provenance"] = prov
	return sonic.ConfigStd.Marshal(doc)
}

func sourceOfFirstAuthor(books []*Book, sources []Source, author string) Source {
	want := normalizeAuthor(author)
	for i, b := range books {
		for _, a := range b.Authors {
			if normalizeAuthor(a) == want {
				return sources[i]
			}
		}
	}
	return SourceUndefined
}

package internal

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// _deaccent decomposes characters and drops the combining marks, so
// "José" becomes "Jose".
var _deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Name suffixes and honorifics that carry no identity. Compared against
// whole tokens after lowercasing.
var _nameNoise = map[string]bool{
	"jr":   true,
	"sr":   true,
	"ii":   true,
	"iii":  true,
	"iv":   true,
	"phd":  true,
	"md":   true,
	"esq":  true,
	"dr":   true,
	"prof": true,
	"inc":  true,
	"llc":  true,
	"ltd":  true,
}

// normalizeAuthor canonicalizes a display name for deduplication:
// unicode-decomposed, accent-stripped, lowercased, punctuation collapsed to
// spaces, "Last, First" rewritten to "first last", noise tokens dropped.
//
//	normalizeAuthor("King, Stephen") == normalizeAuthor("Stephen King") == "stephen king"
//	normalizeAuthor("José García Márquez") == "jose garcia marquez"
func normalizeAuthor(name string) string {
	name = strings.TrimSpace(name)

	// "Last, First" inversion. Multiple commas mean it's not a simple
	// inversion (e.g. corporate names), leave those alone.
	if parts := strings.Split(name, ","); len(parts) == 2 {
		name = strings.TrimSpace(parts[1]) + " " + strings.TrimSpace(parts[0])
	}

	if out, _, err := transform.String(_deaccent, name); err == nil {
		name = out
	}
	name = strings.ToLower(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, name)

	tokens := strings.Fields(name)
	kept := tokens[:0]
	for _, t := range tokens {
		if _nameNoise[t] {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}

// normalizeCategory canonicalizes a category or collection name the same
// way author names are, minus the comma inversion.
func normalizeCategory(name string) string {
	if out, _, err := transform.String(_deaccent, name); err == nil {
		name = out
	}
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, name)
	return strings.Join(strings.Fields(name), " ")
}

// dedupeAuthors unions author lists preserving first appearance, keyed by
// normalized name.
func dedupeAuthors(lists ...[]string) []string {
	seen := newSet[string]()
	var out []string
	for _, list := range lists {
		for _, name := range list {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := normalizeAuthor(name)
			if key == "" || seen.Has(key) {
				continue
			}
			seen.Add(key)
			out = append(out, name)
		}
	}
	return out
}

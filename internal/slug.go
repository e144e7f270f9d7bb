package internal

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// Matches any run of non-alphanumeric characters.
	_nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
	// Matches runs of hyphens.
	_multipleHyphens = regexp.MustCompile(`-+`)
)

// slugify converts a string to a URL-safe slug.
// "The Shining" -> "the-shining".
// "Sci-Fi/Fantasy" -> "sci-fi-fantasy".
// Idempotent.
func slugify(s string) string {
	// Decompose accented characters, then drop anything non-ASCII.
	s = norm.NFKD.String(s)
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, s)

	s = strings.ToLower(s)
	s = _nonAlphanumeric.ReplaceAllString(s, "-")
	s = _multipleHyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// _maxSlugLen bounds generated slugs; anything longer is truncated back to a
// word boundary.
const _maxSlugLen = 100

// bookSlug builds the base slug for a book from its title and first author.
// Uniqueness is the database's job (ensure_unique_slug appends a counter on
// collision).
func bookSlug(title, firstAuthor string) string {
	base := slugify(title)
	if author := slugify(firstAuthor); author != "" {
		if base != "" {
			base += "-" + author
		} else {
			base = author
		}
	}
	if base == "" {
		return ""
	}
	if len(base) > _maxSlugLen {
		base = base[:_maxSlugLen]
		if i := strings.LastIndexByte(base, '-'); i > 0 {
			base = base[:i]
		}
		base = strings.Trim(base, "-")
	}
	return base
}

package internal

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// _canonicalKeyRE matches the canonical key shape (8-4-4-4-12 hex). Inputs
// that look like keys are never reinterpreted as slugs or ISBNs.
var _canonicalKeyRE = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// _idAlphabet is the alphabet for short row identifiers.
const _idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newCanonicalKey mints a time-ordered canonical book key. UUIDv7 keeps the
// upper bits monotonic so keys sort by creation.
func newCanonicalKey() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// newRowID mints a short base-62 identifier for join and audit rows.
func newRowID() string {
	return gonanoid.MustGenerate(_idAlphabet, 12)
}

// sanitizeISBN strips everything but digits from s, keeping a trailing X
// (the ISBN-10 check digit) uppercased. Idempotent.
func sanitizeISBN(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		}
	}
	out := b.String()
	if n := strings.Count(out, "X"); n > 0 {
		if n > 1 || !strings.HasSuffix(out, "X") {
			out = strings.ReplaceAll(out, "X", "")
		}
	}
	return out
}

// isISBN13 reports whether s is a sanitized 13-digit ISBN.
func isISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isISBN10 reports whether s is a sanitized 10-char ISBN. The final
// character may be the X check digit.
func isISBN10(s string) bool {
	if len(s) != 10 {
		return false
	}
	for i, r := range s {
		if r >= '0' && r <= '9' {
			continue
		}
		if r == 'X' && i == 9 {
			continue
		}
		return false
	}
	return true
}

// isbn10to13 converts an ISBN-10 to its EAN-13 form. Used only for lookups;
// we never store a synthesized ISBN-13.
func isbn10to13(isbn10 string) string {
	if !isISBN10(isbn10) {
		return ""
	}
	body := "978" + isbn10[:9]
	sum := 0
	for i, r := range body {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return fmt.Sprintf("%s%d", body, check)
}

// identityStore is the subset of the store identity resolution needs.
type identityStore interface {
	HasKey(ctx context.Context, key uuid.UUID) (bool, error)
	KeyByISBN(ctx context.Context, isbn string) (uuid.UUID, error)
	KeyByExternalID(ctx context.Context, externalID string) (uuid.UUID, error)
	KeyBySlug(ctx context.Context, slug string) (uuid.UUID, error)
}

// IdentityResolver maps any inbound identifier -- canonical key, ISBN-10/13,
// provider external id, or slug -- onto the canonical book key.
type IdentityResolver struct {
	store identityStore
}

// NewIdentityResolver wires identity resolution against a store.
func NewIdentityResolver(store identityStore) *IdentityResolver {
	return &IdentityResolver{store: store}
}

// Resolve returns the canonical key for the identifier, trying tiers in
// order: canonical key, ISBN-13, ISBN-10, external id, slug. A miss on
// every tier is errNotFound; the caller decides whether to go upstream.
func (r *IdentityResolver) Resolve(ctx context.Context, identifier string) (uuid.UUID, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return uuid.Nil, errBadRequest
	}

	if _canonicalKeyRE.MatchString(identifier) {
		key, err := uuid.Parse(identifier)
		if err != nil {
			return uuid.Nil, errBadRequest
		}
		ok, err := r.store.HasKey(ctx, key)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, errNotFound
		}
		return key, nil
	}

	if isbn := sanitizeISBN(identifier); isISBN13(isbn) || isISBN10(isbn) {
		key, err := r.store.KeyByISBN(ctx, isbn)
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
		// A 10-digit lookup can still hit a record stored under its
		// 13-digit form.
		if isISBN10(isbn) {
			if key, err := r.store.KeyByISBN(ctx, isbn10to13(isbn)); err == nil {
				return key, nil
			} else if !isNotFound(err) {
				return uuid.Nil, err
			}
		}
	}

	key, err := r.store.KeyByExternalID(ctx, identifier)
	if err == nil {
		return key, nil
	}
	if !isNotFound(err) {
		return uuid.Nil, err
	}

	key, err = r.store.KeyBySlug(ctx, identifier)
	if err == nil {
		return key, nil
	}
	if !isNotFound(err) {
		return uuid.Nil, err
	}
	return uuid.Nil, errNotFound
}

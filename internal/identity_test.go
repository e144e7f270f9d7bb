package internal

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeISBN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "9780747532743", sanitizeISBN("978-0-7475-3274-3"))
	assert.Equal(t, "155404295X", sanitizeISBN("1-55404-295-x"))
	assert.Equal(t, "9780747532743", sanitizeISBN(" 978 0747532743 "))
	assert.Equal(t, "", sanitizeISBN("no digits here"))

	// X anywhere but the check-digit position is junk, not a check digit.
	assert.Equal(t, "1554042950", sanitizeISBN("1554042950X X"))

	// Idempotent.
	assert.Equal(t, "155404295X", sanitizeISBN(sanitizeISBN("1-55404-295-X")))
}

func TestISBNClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, isISBN13("9780747532743"))
	assert.False(t, isISBN13("978074753274"))
	assert.False(t, isISBN13("978074753274X"))

	assert.True(t, isISBN10("0747532745"))
	assert.True(t, isISBN10("155404295X"))
	assert.False(t, isISBN10("15540429X5"))
	assert.False(t, isISBN10("9780747532743"))
}

func TestISBN10To13(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "9780747532743", isbn10to13("0747532745"))
	assert.Equal(t, "9781554042951", isbn10to13("155404295X"))
	assert.Equal(t, "", isbn10to13("not an isbn"))
	assert.Equal(t, "", isbn10to13("9780747532743"))
}

// fakeIdentityStore answers identity lookups from maps.
type fakeIdentityStore struct {
	keys      map[uuid.UUID]bool
	byISBN    map[string]uuid.UUID
	byExtID   map[string]uuid.UUID
	bySlug    map[string]uuid.UUID
	lookupErr error
}

func (f *fakeIdentityStore) HasKey(_ context.Context, key uuid.UUID) (bool, error) {
	return f.keys[key], f.lookupErr
}

func (f *fakeIdentityStore) KeyByISBN(_ context.Context, isbn string) (uuid.UUID, error) {
	if f.lookupErr != nil {
		return uuid.Nil, f.lookupErr
	}
	if key, ok := f.byISBN[isbn]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func (f *fakeIdentityStore) KeyByExternalID(_ context.Context, id string) (uuid.UUID, error) {
	if key, ok := f.byExtID[id]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func (f *fakeIdentityStore) KeyBySlug(_ context.Context, slug string) (uuid.UUID, error) {
	if key, ok := f.bySlug[slug]; ok {
		return key, nil
	}
	return uuid.Nil, errNotFound
}

func TestIdentityResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	known := newCanonicalKey()
	byISBN := newCanonicalKey()
	byExt := newCanonicalKey()
	bySlug := newCanonicalKey()

	r := NewIdentityResolver(&fakeIdentityStore{
		keys:    map[uuid.UUID]bool{known: true},
		byISBN:  map[string]uuid.UUID{"9780747532743": byISBN},
		byExtID: map[string]uuid.UUID{"zyTCAlFPjgYC": byExt},
		bySlug:  map[string]uuid.UUID{"the-shining-stephen-king": bySlug},
	})

	key, err := r.Resolve(ctx, known.String())
	require.NoError(t, err)
	assert.Equal(t, known, key)

	// A key-shaped identifier that isn't stored is a miss, never a slug.
	_, err = r.Resolve(ctx, newCanonicalKey().String())
	assert.ErrorIs(t, err, errNotFound)

	// Hyphenated ISBN-13 hits after sanitization.
	key, err = r.Resolve(ctx, "978-0-7475-3274-3")
	require.NoError(t, err)
	assert.Equal(t, byISBN, key)

	// ISBN-10 lookups fall back to the synthesized EAN-13 form.
	key, err = r.Resolve(ctx, "0747532745")
	require.NoError(t, err)
	assert.Equal(t, byISBN, key)

	key, err = r.Resolve(ctx, "zyTCAlFPjgYC")
	require.NoError(t, err)
	assert.Equal(t, byExt, key)

	key, err = r.Resolve(ctx, "the-shining-stephen-king")
	require.NoError(t, err)
	assert.Equal(t, bySlug, key)

	_, err = r.Resolve(ctx, "completely-unknown")
	assert.ErrorIs(t, err, errNotFound)

	_, err = r.Resolve(ctx, "   ")
	assert.ErrorIs(t, err, errBadRequest)
}

func TestNewRowID(t *testing.T) {
	t.Parallel()

	seen := newSet[string]()
	for range 100 {
		id := newRowID()
		assert.Len(t, id, 12)
		assert.False(t, seen.Has(id))
		seen.Add(id)
	}
}

func TestCanonicalKeysAreTimeOrdered(t *testing.T) {
	t.Parallel()

	a := newCanonicalKey()
	b := newCanonicalKey()
	assert.True(t, a.String() <= b.String())
}

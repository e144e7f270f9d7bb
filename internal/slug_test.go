package internal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "the-shining", slugify("The Shining"))
	assert.Equal(t, "sci-fi-fantasy", slugify("Sci-Fi/Fantasy"))
	assert.Equal(t, "cafe-crime", slugify("Café & Crime!"))
	assert.Equal(t, "", slugify("!!!"))
	assert.Equal(t, "the-shining", slugify(slugify("The Shining")))
}

func TestBookSlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "the-shining-stephen-king", bookSlug("The Shining", "Stephen King"))
	assert.Equal(t, "the-shining", bookSlug("The Shining", ""))
	assert.Equal(t, "stephen-king", bookSlug("", "Stephen King"))
	assert.Equal(t, "", bookSlug("", ""))
}

func TestBookSlugTruncatesOnWordBoundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 40) // Well past the cap.
	slug := bookSlug(long, "Author Name")
	assert.LessOrEqual(t, len(slug), _maxSlugLen)
	assert.False(t, strings.HasSuffix(slug, "-"))
	assert.False(t, strings.Contains(slug, "--"))
}

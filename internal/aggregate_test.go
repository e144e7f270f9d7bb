package internal

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatePrecedence(t *testing.T) {
	t.Parallel()

	merged, prov := aggregate(map[Source]*Book{
		SourceGoogleBooks: {
			ExternalID:    "gb1",
			Title:         "The Stand",
			Authors:       []string{"Stephen King"},
			Description:   "short",
			PageCount:     823,
			ISBN13:        "9780385121682",
			AverageRating: 4.3,
			RatingsCount:  900,
			Categories:    []string{"Fiction", "Horror"},
			Cover:         CoverState{URL: "https://gb/cover.jpg", Source: SourceGoogleBooks},
		},
		SourceOpenLibrary: {
			ExternalID:    "OL123M",
			Title:         "The Stand: Complete",
			Authors:       []string{"King, Stephen", "Another Writer"},
			Description:   "a much longer description that should win the length contest",
			Publisher:     "Doubleday",
			ISBN10:        "0385121687",
			AverageRating: 3.9,
			Categories:    []string{"HORROR", "Post-Apocalyptic"},
		},
	})
	require.NotNil(t, merged)
	require.NotNil(t, prov)

	assert.Equal(t, SourceAggregated, merged.Source)

	// Precedence fields come from GoogleBooks.
	assert.Equal(t, "The Stand", merged.Title)
	assert.Equal(t, SourceGoogleBooks, prov.Fields["title"])
	assert.Equal(t, 4.3, merged.AverageRating)
	assert.Equal(t, 900, merged.RatingsCount)
	assert.Equal(t, "gb1", merged.ExternalID)

	// Longest description wins regardless of precedence.
	assert.Equal(t, "a much longer description that should win the length contest", merged.Description)
	assert.Equal(t, SourceOpenLibrary, prov.Fields["description"])

	// Gaps fill from the lower tier.
	assert.Equal(t, "Doubleday", merged.Publisher)
	assert.Equal(t, "9780385121682", merged.ISBN13)
	assert.Equal(t, "0385121687", merged.ISBN10)

	// Authors union by normalized name; "King, Stephen" is the same person.
	assert.Equal(t, []string{"Stephen King", "Another Writer"}, merged.Authors)

	// Categories union by normalized name.
	assert.Equal(t, []string{"Fiction", "Horror", "Post-Apocalyptic"}, merged.Categories)

	// Cover candidate is provisional, from the highest-precedence source.
	assert.Equal(t, "https://gb/cover.jpg", merged.Cover.URL)
	assert.False(t, merged.Cover.Final)

	assert.Equal(t, SourceGoogleBooks, prov.Primary)
	assert.Equal(t, []Source{SourceGoogleBooks, SourceOpenLibrary}, prov.Contributors)
}

func TestAggregateSingleSource(t *testing.T) {
	t.Parallel()

	merged, prov := aggregate(map[Source]*Book{
		SourceOpenLibrary: {ExternalID: "OL1M", Title: "Solo"},
	})
	require.NotNil(t, merged)
	assert.Equal(t, "Solo", merged.Title)
	assert.Equal(t, SourceOpenLibrary, prov.Primary)
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()

	merged, prov := aggregate(nil)
	assert.Nil(t, merged)
	assert.Nil(t, prov)
}

func TestAggregateTitleFallsBackToExternalID(t *testing.T) {
	t.Parallel()

	merged, _ := aggregate(map[Source]*Book{
		SourceGoogleBooks: {ExternalID: "gb-only"},
	})
	require.NotNil(t, merged)
	assert.Equal(t, "gb-only", merged.Title)
}

func TestAggregateQualifiersMerge(t *testing.T) {
	t.Parallel()

	merged, _ := aggregate(map[Source]*Book{
		SourceGoogleBooks: {
			Title:      "Q",
			Qualifiers: map[string]Qualifier{"bestseller": {"rank": 1}},
		},
		SourceNYT: {
			Title: "Q",
			Qualifiers: map[string]Qualifier{
				"bestseller": {"rank": 99}, // Lower precedence never overwrites.
				"award":      {"name": "hugo"},
			},
		},
	})
	require.NotNil(t, merged)
	assert.Equal(t, 1, merged.Qualifiers["bestseller"]["rank"])
	assert.Equal(t, "hugo", merged.Qualifiers["award"]["name"])
}

func TestAppendProvenance(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"a","volumeInfo":{"title":"T"}}`)
	out, err := appendProvenance(payload, &provenance{
		Primary:      SourceGoogleBooks,
		Contributors: []Source{SourceGoogleBooks},
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, sonic.ConfigStd.Unmarshal(out, &doc))
	prov, ok := doc["provenance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(SourceGoogleBooks), prov["primary"])
	assert.Equal(t, "a", doc["id"])

	// Nil provenance passes the payload through untouched.
	out, err = appendProvenance(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDedupeCategories(t *testing.T) {
	t.Parallel()

	out := dedupeCategories([]*Book{
		{Categories: []string{"Science Fiction", "  ", "Horror"}},
		{Categories: []string{"science-fiction", "Fantasy"}},
	})
	assert.Equal(t, []string{"Science Fiction", "Horror", "Fantasy"}, out)
}

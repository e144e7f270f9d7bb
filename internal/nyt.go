package internal

import (
	"context"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

const _nytHost = "api.nytimes.com"

// NYT fetches the bestseller charts. It feeds the weekly cron: each entry is
// resolved by ISBN through the usual pipeline and then placed on its list.
type NYT struct {
	client *http.Client
	guard  *resilience
}

func NewNYT(apiKey string, cfg ProviderConfig, metrics *providerMetrics) *NYT {
	return &NYT{
		client: newProviderClient(_nytHost, "api-key", apiKey),
		guard:  newResilience(SourceNYT, cfg, metrics),
	}
}

func (n *NYT) Name() Source { return SourceNYT }

// BestsellerEntry is one chart position from the full overview.
type BestsellerEntry struct {
	Book       *Book
	Membership Membership
	Raw        []byte
}

type nytOverview struct {
	Results struct {
		PublishedDate string    `json:"published_date"`
		Lists         []nytList `json:"lists"`
	} `json:"results"`
}

type nytList struct {
	ListNameEncoded string    `json:"list_name_encoded"`
	DisplayName     string    `json:"display_name"`
	Books           []nytBook `json:"books"`
}

type nytBook struct {
	Title         string `json:"title"`
	Author        string `json:"author"`
	Description   string `json:"description"`
	Publisher     string `json:"publisher"`
	PrimaryISBN10 string `json:"primary_isbn10"`
	PrimaryISBN13 string `json:"primary_isbn13"`
	BookImage     string `json:"book_image"`
	BookImageW    int    `json:"book_image_width"`
	BookImageH    int    `json:"book_image_height"`
	Rank          int    `json:"rank"`
	WeeksOnList   int    `json:"weeks_on_list"`
	AmazonURL     string `json:"amazon_product_url"`
}

// FullOverview fetches every current list with its ranked entries.
func (n *NYT) FullOverview(ctx context.Context) ([]BestsellerEntry, error) {
	raw, err := n.guard.call(ctx, "full_overview", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, n.client, "https://"+_nytHost+"/svc/books/v3/lists/full-overview.json")
	})
	if err != nil {
		return nil, err
	}

	var overview nytOverview
	if err := sonic.ConfigStd.Unmarshal(raw, &overview); err != nil {
		return nil, corruptErr(raw)
	}

	var entries []BestsellerEntry
	for _, list := range overview.Results.Lists {
		collection := Collection{
			Type:     CollectionBestseller,
			Source:   SourceNYT,
			Name:     list.DisplayName,
			ListCode: list.ListNameEncoded,
		}
		for _, nb := range list.Books {
			book := nb.book()
			if book == nil {
				continue
			}
			entries = append(entries, BestsellerEntry{
				Book: book,
				Membership: Membership{
					Collection:  collection,
					Rank:        nb.Rank,
					WeeksOnList: nb.WeeksOnList,
				},
				Raw: raw,
			})
		}
	}
	if len(entries) == 0 {
		return nil, errNotFound
	}
	return entries, nil
}

func (nb *nytBook) book() *Book {
	b := &Book{
		Source:      SourceNYT,
		Title:       strings.TrimSpace(strings.ToValidUTF8(nb.Title, "")),
		Description: sanitizeDescription(nb.Description),
		Publisher:   strings.TrimSpace(nb.Publisher),
		ISBN13:      sanitizeISBN(nb.PrimaryISBN13),
		ISBN10:      sanitizeISBN(nb.PrimaryISBN10),
	}
	if !isISBN13(b.ISBN13) {
		b.ISBN13 = ""
	}
	if !isISBN10(b.ISBN10) {
		b.ISBN10 = ""
	}
	if nb.Author != "" {
		b.Authors = dedupeAuthors([]string{nb.Author})
	}
	// NYT titles come back SHOUTING.
	if b.Title != "" && b.Title == strings.ToUpper(b.Title) {
		b.Title = titleCase(b.Title)
	}
	if nb.BookImage != "" {
		b.Cover = CoverState{
			URL:     nb.BookImage,
			Source:  SourceNYT,
			Width:   nb.BookImageW,
			Height:  nb.BookImageH,
			HighRes: nb.BookImageW >= 800 && nb.BookImageH >= 1200,
		}
	}
	if b.Title == "" && b.ISBN13 == "" && b.ISBN10 == "" {
		return nil
	}
	return b
}

// titleCase lowercases then capitalizes word starts. Good enough for chart
// titles; we never overwrite a title another provider already supplied.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		for j, c := range r {
			if c >= 'a' && c <= 'z' {
				r[j] = c - ('a' - 'A')
				break
			}
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

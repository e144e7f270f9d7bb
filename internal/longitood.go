package internal

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

const _longitoodHost = "bookcover.longitood.com"

// Longitood serves cover images only; it never contributes metadata.
type Longitood struct {
	client *http.Client
	guard  *resilience
}

var _ coverProvider = (*Longitood)(nil)

func NewLongitood(cfg ProviderConfig, metrics *providerMetrics) *Longitood {
	return &Longitood{
		client: newProviderClient(_longitoodHost, "", ""),
		guard:  newResilience(SourceLongitood, cfg, metrics),
	}
}

func (l *Longitood) Name() Source { return SourceLongitood }

// CoverCandidates asks the lookup endpoint for a cover URL by ISBN-13.
func (l *Longitood) CoverCandidates(ctx context.Context, book *Book) ([]string, error) {
	isbn := book.ISBN13
	if isbn == "" {
		isbn = isbn10to13(book.ISBN10)
	}
	if isbn == "" {
		return nil, errNotFound
	}

	raw, err := l.guard.call(ctx, "cover", func(ctx context.Context) ([]byte, error) {
		return getJSON(ctx, l.client, "https://"+_longitoodHost+"/cover?isbn="+url.QueryEscape(isbn))
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &body); err != nil {
		return nil, corruptErr(raw)
	}
	if body.URL == "" {
		return nil, errNotFound
	}
	return []string{body.URL}, nil
}

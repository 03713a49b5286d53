package enrich

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/pkg/fetch"
)

const maxHTMLBodyBytes = 1 << 20 // 1 MiB

// Scraper fetches item pages and fills missing content from OG tags. It is
// strictly best effort: a page that cannot be fetched or parsed leaves the
// item untouched.
type Scraper struct {
	client fetch.Client
	log    logger.Logger
}

func NewScraper(client fetch.Client, log logger.Logger) *Scraper {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Scraper{client: client, log: log}
}

type pageMeta struct {
	Title       string
	Description string
}

// Enrich fetches each item's page and fills in missing content from page
// metadata. Items that already carry content are skipped.
func (s *Scraper) Enrich(ctx context.Context, items []domain.ContentItem) []domain.ContentItem {
	out := append([]domain.ContentItem(nil), items...)

	for i, item := range items {
		select {
		case <-ctx.Done():
			return out[:i]
		default:
		}

		if item.Content != nil && *item.Content != "" {
			continue
		}

		enriched, err := s.fetchAndParse(ctx, item)
		if err != nil {
			s.log.WarnObj("item metadata scrape failed", "metadata_error", map[string]any{
				"external_id": item.ExternalID,
				"url":         item.URL,
				"error":       err.Error(),
			})
			continue
		}
		out[i] = enriched
	}

	return out
}

func (s *Scraper) fetchAndParse(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	resp, err := s.client.Get(ctx, item.URL, nil)
	if err != nil {
		return item, fmt.Errorf("http fetch: %w", err)
	}

	body := resp.Body
	if len(body) > maxHTMLBodyBytes {
		body = body[:maxHTMLBodyBytes]
	}

	meta, err := parseMeta(body)
	if err != nil {
		return item, err
	}

	if meta.Description != "" {
		item.Content = domain.StringPtr(meta.Description)
	} else if meta.Title != "" && meta.Title != item.Title {
		item.Content = domain.StringPtr(meta.Title)
	}
	return item, nil
}

func parseMeta(body []byte) (pageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pageMeta{}, fmt.Errorf("parse html: %w", err)
	}

	pm := pageMeta{}

	extract := func(sel string) string {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if val, ok := node.Attr("content"); ok {
				return strings.TrimSpace(val)
			}
		}
		return ""
	}

	pm.Title = firstNonEmpty(
		extract(`meta[property="og:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	pm.Description = firstNonEmpty(
		extract(`meta[property="og:description"]`),
		extract(`meta[name="description"]`),
	)

	return pm, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/pkg/fetch"
)

const (
	hnDefaultItemsEndpoint  = "/topstories.json"
	hnDefaultDetailEndpoint = "/item/{id}.json"
	hnDetailConcurrency     = 5
	hnDiscussionURLFormat   = "https://news.ycombinator.com/item?id=%d"
)

// hackerNewsExtractor pulls top stories from the Firebase HN API. Story ids
// and story details are separate endpoints, so recent fetches overscan the
// id list and hydrate details concurrently.
type hackerNewsExtractor struct {
	sourceID       string
	baseURL        string
	itemsEndpoint  string
	detailEndpoint string
	client         fetch.Client
	log            logger.Logger
}

// NewHackerNews builds the Hacker News extractor from a source config.
func NewHackerNews(cfg Config, deps Deps) (Extractor, error) {
	deps = deps.normalized()

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("hackernews extractor: base url is required")
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = fetch.DefaultRateLimit
	}

	return &hackerNewsExtractor{
		sourceID:       cfg.SourceID,
		baseURL:        baseURL,
		itemsEndpoint:  settingString(cfg, "items_endpoint", hnDefaultItemsEndpoint),
		detailEndpoint: settingString(cfg, "detail_endpoint", hnDefaultDetailEndpoint),
		client:         deps.NewClient(fetch.Options{RateLimit: rateLimit, MaxInFlight: hnDetailConcurrency}),
		log:            deps.Log,
	}, nil
}

func (e *hackerNewsExtractor) Name() string { return TypeHackerNews }

func (e *hackerNewsExtractor) FetchRecent(ctx context.Context, since *time.Time, limit int) ([]domain.RawItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Overscan the id list so the since filter still leaves enough items.
	ids, err := e.fetchStoryIDs(ctx, 2*limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items := e.fetchStories(ctx, ids)

	filtered := items[:0]
	for _, item := range items {
		if since != nil && !item.PublishedAt.After(*since) {
			continue
		}
		filtered = append(filtered, item)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].PublishedAt.After(filtered[j].PublishedAt)
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	e.log.DebugObj("fetched hackernews stories", "hackernews_fetch", map[string]any{
		"source_id":  e.sourceID,
		"candidates": len(ids),
		"returned":   len(filtered),
	})
	return filtered, nil
}

func (e *hackerNewsExtractor) FetchBatch(ctx context.Context, limit int) ([]domain.RawItem, error) {
	return e.FetchRecent(ctx, nil, limit)
}

func (e *hackerNewsExtractor) HealthCheck(ctx context.Context) bool {
	ids, err := e.fetchStoryIDs(ctx, 1)
	return err == nil && len(ids) > 0
}

func (e *hackerNewsExtractor) fetchStoryIDs(ctx context.Context, limit int) ([]int64, error) {
	resp, err := e.client.Get(ctx, e.baseURL+e.itemsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch story ids: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal(resp.Body, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode story ids: %w", err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// fetchStories hydrates story details with bounded concurrency. A story
// that fails to fetch or parse is skipped, not fatal.
func (e *hackerNewsExtractor) fetchStories(ctx context.Context, ids []int64) []domain.RawItem {
	results := make([]*domain.RawItem, len(ids))
	sem := make(chan struct{}, hnDetailConcurrency)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			results[i] = e.fetchStory(ctx, id)
		}(i, id)
	}
	wg.Wait()

	items := make([]domain.RawItem, 0, len(ids))
	for _, item := range results {
		if item != nil {
			items = append(items, *item)
		}
	}
	return items
}

func (e *hackerNewsExtractor) fetchStory(ctx context.Context, id int64) *domain.RawItem {
	url := e.baseURL + strings.Replace(e.detailEndpoint, "{id}", strconv.FormatInt(id, 10), 1)
	resp, err := e.client.Get(ctx, url, nil)
	if err != nil {
		e.log.WarnObj("failed to fetch story", "hackernews_error", map[string]any{"story_id": id, "error": err.Error()})
		return nil
	}

	var story map[string]any
	if err := json.Unmarshal(resp.Body, &story); err != nil || story == nil {
		e.log.WarnObj("failed to decode story", "hackernews_error", map[string]any{"story_id": id})
		return nil
	}
	return parseStory(story)
}

// parseStory maps an HN item payload to a RawItem. Deleted, dead and
// non-story items yield nil.
func parseStory(story map[string]any) *domain.RawItem {
	if truthy(story["deleted"]) || truthy(story["dead"]) {
		return nil
	}
	if kind, _ := story["type"].(string); kind != "story" {
		return nil
	}

	id, ok := asInt64(story["id"])
	if !ok {
		return nil
	}
	title, _ := story["title"].(string)
	unixTime, hasTime := asInt64(story["time"])
	if title == "" || !hasTime {
		return nil
	}

	url, _ := story["url"].(string)
	if url == "" {
		// Ask/Show HN stories have no external link.
		url = fmt.Sprintf(hnDiscussionURLFormat, id)
	}

	item := &domain.RawItem{
		ExternalID:  strconv.FormatInt(id, 10),
		Title:       title,
		URL:         url,
		PublishedAt: time.Unix(unixTime, 0).UTC(),
		Raw:         story,
	}
	if text, _ := story["text"].(string); text != "" {
		item.Content = text
	}
	if score, ok := asInt64(story["score"]); ok {
		item.Score = domain.IntPtr(int(score))
	}
	return item
}

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/pkg/fetch"
)

const (
	githubModeSearch   = "search"
	githubModeReleases = "releases"

	githubDefaultSearchEndpoint = "/search/repositories"
	githubSearchPageCap         = 100
	githubDefaultLookback       = 24 * time.Hour
)

// githubExtractor covers two provider shapes behind one source type:
// repository search ordered by recent pushes, and per-repository release
// listings. Both use ETag conditional requests so unchanged responses
// cost nothing against the API quota.
type githubExtractor struct {
	sourceID       string
	baseURL        string
	mode           string
	searchEndpoint string
	repositories   []string
	client         fetch.Client
	etags          *ETagCache
	log            logger.Logger
}

// NewGitHub builds the GitHub extractor from a source config. Releases mode
// requires a non-empty repositories list; failing here keeps a misconfigured
// source from burning API quota on every cycle.
func NewGitHub(cfg Config, deps Deps) (Extractor, error) {
	deps = deps.normalized()

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("github extractor: base url is required")
	}

	mode := strings.ToLower(settingString(cfg, "mode", githubModeSearch))
	if mode != githubModeSearch && mode != githubModeReleases {
		return nil, fmt.Errorf("github extractor: unknown mode %q", mode)
	}

	repositories := settingStringSlice(cfg, "repositories")
	if mode == githubModeReleases && len(repositories) == 0 {
		return nil, fmt.Errorf("github extractor: releases mode requires a repositories list")
	}

	headers := map[string]string{
		"Accept": "application/vnd.github.v3+json",
	}
	if token := settingString(cfg, "token", ""); token != "" {
		headers["Authorization"] = "token " + token
	}

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = fetch.DefaultRateLimit
	}

	return &githubExtractor{
		sourceID:       cfg.SourceID,
		baseURL:        baseURL,
		mode:           mode,
		searchEndpoint: settingString(cfg, "search_endpoint", githubDefaultSearchEndpoint),
		repositories:   repositories,
		client:         deps.NewClient(fetch.Options{RateLimit: rateLimit, Headers: headers}),
		etags:          deps.ETags,
		log:            deps.Log,
	}, nil
}

func (e *githubExtractor) Name() string { return TypeGitHub }

func (e *githubExtractor) FetchRecent(ctx context.Context, since *time.Time, limit int) ([]domain.RawItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	if e.mode == githubModeReleases {
		return e.fetchReleases(ctx, since, limit)
	}
	return e.searchRepositories(ctx, since, limit)
}

func (e *githubExtractor) FetchBatch(ctx context.Context, limit int) ([]domain.RawItem, error) {
	return e.FetchRecent(ctx, nil, limit)
}

func (e *githubExtractor) HealthCheck(ctx context.Context) bool {
	resp, err := e.client.Get(ctx, e.baseURL+"/rate_limit", nil)
	if err != nil {
		return false
	}
	var payload map[string]any
	return json.Unmarshal(resp.Body, &payload) == nil
}

// getConditional issues a GET with the cached ETag validator and remembers
// the fresh one. A 304 comes back as (nil, nil).
func (e *githubExtractor) getConditional(ctx context.Context, requestURL string) (*fetch.Response, error) {
	var headers map[string]string
	if validator := e.etags.Validator(ctx, requestURL); validator != "" {
		headers = map[string]string{"If-None-Match": validator}
	}

	resp, err := e.client.Get(ctx, requestURL, headers)
	if err != nil {
		return nil, err
	}
	if resp.NotModified() {
		e.log.DebugObj("github content not modified", "conditional_request", map[string]any{"url": requestURL})
		return nil, nil
	}
	e.etags.Remember(ctx, requestURL, resp.ETag())
	return resp, nil
}

func (e *githubExtractor) searchRepositories(ctx context.Context, since *time.Time, limit int) ([]domain.RawItem, error) {
	pushedAfter := time.Now().UTC().Add(-githubDefaultLookback)
	if since != nil {
		pushedAfter = since.UTC()
	}

	perPage := limit
	if perPage > githubSearchPageCap {
		perPage = githubSearchPageCap
	}

	query := url.Values{}
	query.Set("q", "pushed:>"+pushedAfter.Format("2006-01-02T15:04:05Z"))
	query.Set("sort", "updated")
	query.Set("order", "desc")
	query.Set("per_page", strconv.Itoa(perPage))

	resp, err := e.getConditional(ctx, e.baseURL+e.searchEndpoint+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to search repositories: %w", err)
	}
	if resp == nil {
		return nil, nil
	}

	var payload struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	items := make([]domain.RawItem, 0, len(payload.Items))
	for _, repo := range payload.Items {
		if item := parseRepository(repo); item != nil {
			items = append(items, *item)
		}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// fetchReleases lists releases per configured repository. A repository that
// fails to fetch is skipped so one bad repo cannot starve the rest.
func (e *githubExtractor) fetchReleases(ctx context.Context, since *time.Time, limit int) ([]domain.RawItem, error) {
	var items []domain.RawItem
	for _, repo := range e.repositories {
		releases, err := e.fetchRepoReleases(ctx, repo, since)
		if err != nil {
			e.log.WarnObj("failed to fetch releases", "releases_error", map[string]any{
				"repository": repo,
				"error":      err.Error(),
			})
			continue
		}
		items = append(items, releases...)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (e *githubExtractor) fetchRepoReleases(ctx context.Context, repo string, since *time.Time) ([]domain.RawItem, error) {
	resp, err := e.getConditional(ctx, e.baseURL+"/repos/"+repo+"/releases")
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	var releases []map[string]any
	if err := json.Unmarshal(resp.Body, &releases); err != nil {
		return nil, fmt.Errorf("failed to decode releases: %w", err)
	}

	items := make([]domain.RawItem, 0, len(releases))
	for _, release := range releases {
		item := parseRelease(repo, release)
		if item == nil {
			continue
		}
		if since != nil && !item.PublishedAt.After(*since) {
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func parseRepository(repo map[string]any) *domain.RawItem {
	id, ok := asInt64(repo["id"])
	if !ok {
		return nil
	}
	fullName, _ := repo["full_name"].(string)
	if fullName == "" {
		return nil
	}

	publishedAt, ok := githubTime(repo["pushed_at"])
	if !ok {
		if publishedAt, ok = githubTime(repo["updated_at"]); !ok {
			return nil
		}
	}

	item := &domain.RawItem{
		ExternalID:  strconv.FormatInt(id, 10),
		Title:       fullName,
		PublishedAt: publishedAt,
		Raw:         repo,
	}
	if desc, _ := repo["description"].(string); desc != "" {
		item.Content = desc
	}
	if htmlURL, _ := repo["html_url"].(string); htmlURL != "" {
		item.URL = htmlURL
	}
	if stars, ok := asInt64(repo["stargazers_count"]); ok {
		item.Score = domain.IntPtr(int(stars))
	}
	return item
}

func parseRelease(repo string, release map[string]any) *domain.RawItem {
	id, ok := asInt64(release["id"])
	if !ok {
		return nil
	}
	publishedAt, ok := githubTime(release["published_at"])
	if !ok {
		return nil
	}

	title, _ := release["name"].(string)
	if title == "" {
		title, _ = release["tag_name"].(string)
	}
	if title == "" {
		return nil
	}

	// Downstream shaping keys off this marker to tell a release payload
	// apart from a repository payload.
	release["repository_full_name"] = repo

	item := &domain.RawItem{
		ExternalID:  strconv.FormatInt(id, 10),
		Title:       title,
		PublishedAt: publishedAt,
		Raw:         release,
	}
	if body, _ := release["body"].(string); body != "" {
		item.Content = body
	}
	if htmlURL, _ := release["html_url"].(string); htmlURL != "" {
		item.URL = htmlURL
	}
	return item
}

func githubTime(v any) (time.Time, bool) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

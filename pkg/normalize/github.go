package normalize

import (
	"fmt"
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// githubNormalizer shapes the two GitHub payloads one source type can carry.
// A payload with repository_full_name is a release, everything else is a
// repository from the search API.
type githubNormalizer struct {
	log logger.Logger
}

func (n *githubNormalizer) Name() string { return "github" }

func (n *githubNormalizer) Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	if item.Raw == nil {
		return domain.ContentItem{}, errItem(item.ExternalID, "missing raw payload")
	}
	if _, ok := item.Raw["repository_full_name"]; ok {
		return n.normalizeRelease(sourceID, item)
	}
	return n.normalizeRepository(sourceID, item)
}

func (n *githubNormalizer) normalizeRepository(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	repo := item.Raw

	id, ok := repo["id"]
	if !ok {
		return domain.ContentItem{}, errItem(item.ExternalID, "repository missing id")
	}
	fullName, _ := repo["full_name"].(string)
	if fullName == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "repository missing full_name")
	}
	htmlURL, _ := repo["html_url"].(string)
	if htmlURL == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "repository missing html_url")
	}

	publishedAt, ok := parseGitHubTime(repo["pushed_at"])
	if !ok {
		if publishedAt, ok = parseGitHubTime(repo["updated_at"]); !ok {
			return domain.ContentItem{}, errItem(item.ExternalID, "repository missing valid pushed_at or updated_at")
		}
	}

	externalID := formatRawID(id)
	title := cleanText(fullName)
	if title == "" {
		return domain.ContentItem{}, errItem(externalID, "repository title is empty after cleaning")
	}
	url := validateURL(htmlURL, n.log)
	if url == "" {
		return domain.ContentItem{}, errItem(externalID, "repository has invalid url")
	}

	out := domain.ContentItem{
		SourceID:    sourceID,
		ExternalID:  externalID,
		Title:       title,
		URL:         url,
		PublishedAt: publishedAt,
	}
	if desc, _ := repo["description"].(string); desc != "" {
		if content := cleanText(desc); content != "" {
			out.Content = domain.StringPtr(content)
		}
	}
	if stars, ok := rawInt(repo["stargazers_count"]); ok {
		out.Score = clampScore(domain.IntPtr(stars), externalID, n.log)
	} else {
		out.Score = domain.IntPtr(0)
	}
	return out, nil
}

func (n *githubNormalizer) normalizeRelease(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	release := item.Raw

	id, ok := release["id"]
	if !ok {
		return domain.ContentItem{}, errItem(item.ExternalID, "release missing id")
	}
	repoName, _ := release["repository_full_name"].(string)
	if repoName == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "release missing repository_full_name")
	}
	htmlURL, _ := release["html_url"].(string)
	if htmlURL == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "release missing html_url")
	}
	publishedAt, ok := parseGitHubTime(release["published_at"])
	if !ok {
		return domain.ContentItem{}, errItem(item.ExternalID, "release has invalid published_at")
	}

	// Release ids are only unique per repository, so the canonical external
	// id is namespaced by the repo.
	externalID := fmt.Sprintf("%s#release:%s", repoName, formatRawID(id))

	releaseName, _ := release["name"].(string)
	if releaseName == "" {
		if releaseName, _ = release["tag_name"].(string); releaseName == "" {
			releaseName = "Unknown Release"
		}
	}
	title := cleanText(fmt.Sprintf("%s — %s", releaseName, repoName))
	if title == "" {
		return domain.ContentItem{}, errItem(externalID, "release title is empty after cleaning")
	}
	url := validateURL(htmlURL, n.log)
	if url == "" {
		return domain.ContentItem{}, errItem(externalID, "release has invalid url")
	}

	out := domain.ContentItem{
		SourceID:    sourceID,
		ExternalID:  externalID,
		Title:       title,
		URL:         url,
		PublishedAt: publishedAt,
	}
	if body, _ := release["body"].(string); body != "" {
		if content := cleanText(body); content != "" {
			out.Content = domain.StringPtr(content)
		}
	}
	if stars, ok := rawInt(release["stargazers_count"]); ok {
		out.Score = clampScore(domain.IntPtr(stars), externalID, n.log)
	}
	return out, nil
}

func parseGitHubTime(v any) (time.Time, bool) {
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

func rawInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

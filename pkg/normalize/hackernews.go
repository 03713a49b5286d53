package normalize

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

const hnScoreSanityCap = 10000

var (
	hnParaOpenRe  = regexp.MustCompile(`<p>`)
	hnParaCloseRe = regexp.MustCompile(`</p>`)
	hnItalicRe    = regexp.MustCompile(`<i>(.*?)</i>`)
	hnLinkRe      = regexp.MustCompile(`<a href="([^"]*)"[^>]*>(.*?)</a>`)
	hnTagRe       = regexp.MustCompile(`<[^>]+>`)
	hnBlankRunRe  = regexp.MustCompile(`\n\s*\n\s*\n`)
	hnSpaceRunRe  = regexp.MustCompile(`[ \t]+`)
)

var hnDiscussionPrefixes = []string{"Ask HN:", "Show HN:", "Tell HN:"}

// hackerNewsNormalizer layers HN conventions over base validation: the
// discussion page is the canonical URL for link-less and Ask/Show/Tell HN
// stories, and story text arrives as entity-encoded HTML.
type hackerNewsNormalizer struct {
	log logger.Logger
}

func (n *hackerNewsNormalizer) Name() string { return "hackernews" }

func (n *hackerNewsNormalizer) Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	out, err := baseNormalize(sourceID, item, n.log)
	if err != nil {
		return domain.ContentItem{}, err
	}

	out.URL = n.normalizeURL(out.URL, item)
	out.Content = n.normalizeContent(out.Content, item)
	out.Score = n.normalizeScore(out.Score, item.ExternalID)
	return out, nil
}

func (n *hackerNewsNormalizer) normalizeURL(url string, item domain.RawItem) string {
	rawURL, _ := item.Raw["url"].(string)
	id, hasID := item.Raw["id"]

	if rawURL == "" && hasID {
		return discussionURL(id)
	}

	title := strings.ToLower(item.Title)
	for _, prefix := range []string{"ask hn", "show hn", "tell hn"} {
		if strings.Contains(title, prefix) && hasID {
			return discussionURL(id)
		}
	}
	return url
}

func (n *hackerNewsNormalizer) normalizeContent(content *string, item domain.RawItem) *string {
	if content != nil {
		cleaned := cleanStoryHTML(*content)
		if cleaned != "" {
			return domain.StringPtr(cleaned)
		}
		content = nil
	}

	// Ask/Show/Tell HN stories without text carry their substance in the
	// title suffix.
	for _, prefix := range hnDiscussionPrefixes {
		if strings.HasPrefix(item.Title, prefix) {
			if suffix := strings.TrimSpace(item.Title[len(prefix):]); suffix != "" {
				return domain.StringPtr(suffix)
			}
			break
		}
	}
	return content
}

func (n *hackerNewsNormalizer) normalizeScore(score *int, externalID string) *int {
	if score != nil && *score > hnScoreSanityCap {
		n.log.WarnObj("unusually high story score", "normalize_score", map[string]any{
			"external_id": externalID,
			"score":       *score,
		})
	}
	return score
}

// cleanStoryHTML converts HN story HTML into plain text: paragraphs become
// blank lines, italics become *emphasis*, links keep their target inline.
func cleanStoryHTML(content string) string {
	content = html.UnescapeString(content)
	content = hnParaOpenRe.ReplaceAllString(content, "\n\n")
	content = hnParaCloseRe.ReplaceAllString(content, "")
	content = hnItalicRe.ReplaceAllString(content, "*$1*")
	content = hnLinkRe.ReplaceAllString(content, "$2 ($1)")
	content = hnTagRe.ReplaceAllString(content, "")
	content = hnBlankRunRe.ReplaceAllString(content, "\n\n")
	content = hnSpaceRunRe.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}

func discussionURL(id any) string {
	return fmt.Sprintf("https://news.ycombinator.com/item?id=%v", formatRawID(id))
}

// formatRawID renders a raw id that may arrive as float64 from JSON decoding.
func formatRawID(id any) string {
	if f, ok := id.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", id)
}

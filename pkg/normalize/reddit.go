package normalize

import (
	"strings"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// redditNormalizer layers Reddit conventions over base validation: self
// posts link to their permalink and carry content in selftext. Reddit is
// the one provider where negative scores are legitimate, so the base clamp
// is undone from the raw payload.
type redditNormalizer struct {
	log logger.Logger
}

func (n *redditNormalizer) Name() string { return "reddit" }

func (n *redditNormalizer) Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	out, err := baseNormalize(sourceID, item, n.log)
	if err != nil {
		return domain.ContentItem{}, err
	}

	if isSelf, _ := item.Raw["is_self"].(bool); isSelf {
		if permalink, _ := item.Raw["permalink"].(string); permalink != "" {
			out.URL = "https://reddit.com" + permalink
		}
	}

	if selftext, _ := item.Raw["selftext"].(string); strings.TrimSpace(selftext) != "" {
		if content := cleanText(selftext); content != "" {
			out.Content = domain.StringPtr(content)
		}
	}

	// Downvoted posts keep their real score.
	if item.Score != nil && *item.Score < 0 {
		out.Score = domain.IntPtr(*item.Score)
	}
	return out, nil
}

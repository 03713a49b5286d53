package normalize

import (
	"strings"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// productHuntNormalizer prefers the product tagline as content. Votes are
// non-negative, handled by the base clamp.
type productHuntNormalizer struct {
	log logger.Logger
}

func (n *productHuntNormalizer) Name() string { return "producthunt" }

func (n *productHuntNormalizer) Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	out, err := baseNormalize(sourceID, item, n.log)
	if err != nil {
		return domain.ContentItem{}, err
	}

	if tagline, _ := item.Raw["tagline"].(string); strings.TrimSpace(tagline) != "" {
		if content := cleanText(tagline); content != "" {
			out.Content = domain.StringPtr(content)
		}
	}
	return out, nil
}

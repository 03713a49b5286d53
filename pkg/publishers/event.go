package publishers

import (
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
)

// Event represents the payload published downstream after an item is stored.
type Event struct {
	SourceID   string             `json:"source_id"`
	SourceName string             `json:"source_name"`
	Item       domain.ContentItem `json:"item"`
	IngestedAt time.Time          `json:"ingested_at"`
}

// NewEvent constructs an Event for the given source + item.
func NewEvent(sourceID, sourceName string, item domain.ContentItem) Event {
	return Event{
		SourceID:   sourceID,
		SourceName: sourceName,
		Item:       item,
		IngestedAt: time.Now().UTC(),
	}
}

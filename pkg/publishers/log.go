package publishers

import (
	"context"
)

// logPublisher writes events to the structured log. Useful in development
// and as a cheap audit sink alongside real delivery targets.
type logPublisher struct {
	id  string
	typ string
	log Logger
}

func newLogPublisher(_ context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	return &logPublisher{
		id:  cfg.ID,
		typ: cfg.Type,
		log: ensureLogger(log),
	}, nil
}

func (p *logPublisher) ID() string   { return p.id }
func (p *logPublisher) Type() string { return p.typ }

func (p *logPublisher) Publish(_ context.Context, evt Event) error {
	p.log.InfoObj("item ingested", "event", map[string]any{
		"publisher_id": p.id,
		"source":       evt.SourceName,
		"external_id":  evt.Item.ExternalID,
		"title":        evt.Item.Title,
	})
	return nil
}

package publishers

import (
	"context"
	"testing"

	"github.com/jspenaq/DataSeed/internal/domain"
)

type recordingLogger struct {
	entries []map[string]any
}

func (l *recordingLogger) InfoObj(_, _ string, obj interface{}) {
	if m, ok := obj.(map[string]any); ok {
		l.entries = append(l.entries, m)
	}
}
func (l *recordingLogger) DebugObj(string, string, interface{}) {}
func (l *recordingLogger) WarnObj(string, string, interface{})  {}
func (l *recordingLogger) ErrorObj(string, string, interface{}) {}

func TestLogPublisherWritesEvent(t *testing.T) {
	log := &recordingLogger{}
	pub, err := newLogPublisher(context.Background(), PublisherConfig{ID: "audit", Type: TypeLog}, log)
	if err != nil {
		t.Fatalf("newLogPublisher returned error: %v", err)
	}
	if pub.ID() != "audit" || pub.Type() != TypeLog {
		t.Fatalf("unexpected publisher identity: %s/%s", pub.ID(), pub.Type())
	}

	evt := NewEvent("src-1", "hackernews", domain.ContentItem{ExternalID: "42", Title: "hello"})
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(log.entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(log.entries))
	}
	if log.entries[0]["external_id"] != "42" {
		t.Fatalf("unexpected external_id in log entry: %v", log.entries[0]["external_id"])
	}
}

package publishers

import (
	"context"
	"errors"
	"testing"

	"github.com/jspenaq/DataSeed/internal/domain"
)

type stubPublisher struct {
	id    string
	err   error
	calls int
}

func (s *stubPublisher) ID() string   { return s.id }
func (s *stubPublisher) Type() string { return "stub" }
func (s *stubPublisher) Publish(context.Context, Event) error {
	s.calls++
	return s.err
}

func TestFanoutPublishesToAll(t *testing.T) {
	p1 := &stubPublisher{id: "p1"}
	p2 := &stubPublisher{id: "p2"}
	f := NewFanout([]Publisher{p1, nil, p2})

	if f.Size() != 2 {
		t.Fatalf("expected size 2, got %d", f.Size())
	}

	evt := NewEvent("src-1", "hackernews", domain.ContentItem{ExternalID: "42"})
	n, err := f.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 successful publishers, got %d", n)
	}
	if p1.calls != 1 || p2.calls != 1 {
		t.Fatalf("expected each publisher called once, got %d and %d", p1.calls, p2.calls)
	}
}

func TestFanoutCollectsErrors(t *testing.T) {
	p1 := &stubPublisher{id: "ok"}
	p2 := &stubPublisher{id: "broken", err: errors.New("boom")}
	f := NewFanout([]Publisher{p1, p2})

	n, err := f.Publish(context.Background(), Event{})
	if n != 1 {
		t.Fatalf("expected 1 successful publisher, got %d", n)
	}
	if err == nil {
		t.Fatalf("expected joined error")
	}
}

func TestFanoutNilSafe(t *testing.T) {
	var f *Fanout
	n, err := f.Publish(context.Background(), Event{})
	if n != 0 || err != nil {
		t.Fatalf("expected nil fanout to no-op, got n=%d err=%v", n, err)
	}
	if f.Size() != 0 {
		t.Fatalf("expected size 0 for nil fanout")
	}
}

package queue

import (
	"context"
	"testing"
	"time"
)

func TestEventListener_ReplaysFromBeginning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "echo", []byte(`{}`), JobOptions{JobID: "e1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	listener := NewEventListener(q)
	events, errs := listener.Listen(ctx, "0")

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed early, seen=%v", seen)
			}
			if ev.JobID != "e1" {
				t.Fatalf("expected jobId e1, got %s", ev.JobID)
			}
			seen[ev.Name] = true
		case err := <-errs:
			t.Fatalf("listener error: %v", err)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, seen=%v", seen)
		}
	}
	if !seen["added"] || !seen["waiting"] {
		t.Fatalf("expected to see added and waiting events, got %v", seen)
	}
}

package queue

import (
	"context"
	"testing"
	"time"
)

func TestMoveToActive_RateLimiterDelaysExcessJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	for i := 0; i < 3; i++ {
		if _, _, err := p.Add(ctx, "send", []byte(`{}`), JobOptions{JobID: string(rune('a' + i))}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	limiter := &LimiterOptions{Max: 2, Duration: time.Minute}

	first, err := q.moveToActiveOnce(ctx, "w1", time.Minute, limiter)
	if err != nil || first.Status != "ok" {
		t.Fatalf("expected first job allowed, status=%s err=%v", first.Status, err)
	}
	second, err := q.moveToActiveOnce(ctx, "w1", time.Minute, limiter)
	if err != nil || second.Status != "ok" {
		t.Fatalf("expected second job allowed, status=%s err=%v", second.Status, err)
	}
	third, err := q.moveToActiveOnce(ctx, "w1", time.Minute, limiter)
	if err != nil {
		t.Fatalf("moveToActive: %v", err)
	}
	if third.Status != "limited" {
		t.Fatalf("expected third job to be rate limited, got status=%s", third.Status)
	}

	count, _, err := q.PeekLimiter(ctx, "")
	if err != nil {
		t.Fatalf("peek limiter: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected limiter counter at 3 (includes the rejected attempt), got %d", count)
	}
}

func TestMoveToActive_RateLimiterBucketsByGroupSuffix(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "notify", []byte(`{"tenant":"a"}`), JobOptions{JobID: "x1", GroupKey: "tenant"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := p.Add(ctx, "notify", []byte(`{"tenant":"b"}`), JobOptions{JobID: "y1", GroupKey: "tenant"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	limiter := &LimiterOptions{Max: 1, Duration: time.Minute}
	resA, err := q.moveToActiveOnce(ctx, "w1", time.Minute, limiter)
	if err != nil || resA.Status != "ok" {
		t.Fatalf("expected tenant a's job allowed, status=%s err=%v", resA.Status, err)
	}
	resB, err := q.moveToActiveOnce(ctx, "w1", time.Minute, limiter)
	if err != nil || resB.Status != "ok" {
		t.Fatalf("expected tenant b's job allowed under its own bucket, status=%s err=%v", resB.Status, err)
	}
}

package queue

import (
	"context"
	"testing"
	"time"
)

func TestProducerAdd_BasicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	job, idempotent, err := p.Add(ctx, "resize", []byte(`{"width":100}`), JobOptions{JobID: "fixed-1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if idempotent {
		t.Fatalf("expected first add to be fresh, got idempotent=true")
	}
	if job.ID != "fixed-1" {
		t.Fatalf("expected job id fixed-1, got %s", job.ID)
	}

	_, idempotent, err = p.Add(ctx, "resize", []byte(`{"width":200}`), JobOptions{JobID: "fixed-1"})
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if !idempotent {
		t.Fatalf("expected second add with same JobID to be idempotent")
	}

	stored, err := p.GetJob(ctx, "fixed-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if string(stored.Data) != `{"width":100}` {
		t.Fatalf("idempotent add must not overwrite original data, got %s", stored.Data)
	}
}

func TestProducerAdd_AutoAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	first, _, err := p.Add(ctx, "noop", []byte(`{}`), JobOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, _, err := p.Add(ctx, "noop", []byte(`{}`), JobOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct auto-assigned ids, got %s twice", first.ID)
	}
}

func TestProducerAdd_GroupKeySuffixesJobID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	job, _, err := p.Add(ctx, "notify", []byte(`{"tenant":"acme"}`), JobOptions{
		JobID:    "n1",
		GroupKey: "tenant",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.ID != "n1:acme" {
		t.Fatalf("expected group-key suffixed id n1:acme, got %s", job.ID)
	}
}

func TestProducerAdd_DelayedJobLandsInDelayedSet(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, "jobs")
	p := NewProducer(q)

	_, _, err := p.Add(ctx, "later", []byte(`{}`), JobOptions{JobID: "later-1", Delay: time.Hour})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if mr.Exists(q.keys.delayed()) == false {
		t.Fatalf("expected delayed job to land in delayed zset")
	}
	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("job counts: %v", err)
	}
	if counts.Delayed != 1 {
		t.Fatalf("expected 1 delayed job, got %d", counts.Delayed)
	}
	if counts.Waiting != 0 {
		t.Fatalf("delayed job must not also appear in waiting, got %d", counts.Waiting)
	}
}

func TestProducerAdd_PriorityOrdersAheadOfFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "low"}); err != nil {
		t.Fatalf("add low: %v", err)
	}
	if _, _, err := p.Add(ctx, "b", []byte(`{}`), JobOptions{JobID: "urgent", Priority: 1}); err != nil {
		t.Fatalf("add urgent: %v", err)
	}

	res, err := q.moveToActiveOnce(ctx, "worker-token", 30*time.Second, nil)
	if err != nil {
		t.Fatalf("moveToActive: %v", err)
	}
	if res.Status != "ok" || res.JobID != "urgent" {
		t.Fatalf("expected priority job to be popped first, got status=%s jobId=%s", res.Status, res.JobID)
	}
}

func TestProducerPauseResume(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if err := p.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := p.IsPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("expected queue paused, got paused=%v err=%v", paused, err)
	}

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "p1"}); err != nil {
		t.Fatalf("add while paused: %v", err)
	}
	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Paused != 1 || counts.Waiting != 0 {
		t.Fatalf("expected job added to paused container, got paused=%d waiting=%d", counts.Paused, counts.Waiting)
	}

	if err := p.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	paused, err = p.IsPaused(ctx)
	if err != nil || paused {
		t.Fatalf("expected queue resumed, got paused=%v err=%v", paused, err)
	}
	counts, err = p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts after resume: %v", err)
	}
	if counts.Waiting != 1 || counts.Paused != 0 {
		t.Fatalf("expected job moved back to waiting, got waiting=%d paused=%d", counts.Waiting, counts.Paused)
	}
}

func TestProducerRemove(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	job, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "rm-1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := job.Remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := p.GetJob(ctx, "rm-1"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound after remove, got %v", err)
	}
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWorkerGetNextJob_ReturnsAddedJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "echo", []byte(`{"v":1}`), JobOptions{JobID: "j1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	w := NewWorker(q, func(ctx context.Context, job *Job) ([]byte, error) { return nil, nil }, WorkerOptions{
		BlockingTimeout: 50 * time.Millisecond,
	})

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := w.GetNextJob(fetchCtx)
	if err != nil {
		t.Fatalf("get next job: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("expected job j1, got %#v", job)
	}
}

func TestWorkerGetNextJob_EmptyQueueBlocksThenReturnsNil(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")

	w := NewWorker(q, func(ctx context.Context, job *Job) ([]byte, error) { return nil, nil }, WorkerOptions{
		BlockingTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	job, err := w.GetNextJob(ctx)
	if err != nil {
		t.Fatalf("get next job: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %#v", job)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected GetNextJob to block for BlockingTimeout on an empty queue")
	}
}

func TestWorkerRun_CompletesSuccessfulJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "echo", []byte(`{}`), JobOptions{JobID: "ok-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan struct{})
	w := NewWorker(q, func(ctx context.Context, job *Job) ([]byte, error) {
		defer close(done)
		return []byte(`"done"`), nil
	}, WorkerOptions{Concurrency: 1, BlockingTimeout: 20 * time.Millisecond})

	go func() { _ = w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Give the moveToCompleted call a moment to land after the handler returns.
	deadline := time.Now().Add(time.Second)
	for {
		job, err := p.GetJob(ctx, "ok-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if string(job.ReturnValue) == `"done"` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached completed with expected return value, got %q", job.ReturnValue)
		}
		time.Sleep(10 * time.Millisecond)
	}

	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("expected 1 completed job, got %d", counts.Completed)
	}
}

func TestWorkerRun_FailedJobWithoutRetryGoesToFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	if _, _, err := p.Add(ctx, "boom", []byte(`{}`), JobOptions{JobID: "fail-1", Attempts: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan struct{})
	w := NewWorker(q, func(ctx context.Context, job *Job) ([]byte, error) {
		defer close(done)
		return nil, errors.New("boom")
	}, WorkerOptions{Concurrency: 1, BlockingTimeout: 20 * time.Millisecond})

	go func() { _ = w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	deadline := time.Now().Add(time.Second)
	for {
		counts, err := p.GetJobCounts(ctx)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached failed, counts=%+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, err := p.GetJob(ctx, "fail-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.FailedReason == "" {
		t.Fatalf("expected failedReason to be recorded")
	}
}

func TestWorkerPauseBlocksFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)

	w := NewWorker(q, func(ctx context.Context, job *Job) ([]byte, error) { return nil, nil }, WorkerOptions{
		Concurrency: 1, BlockingTimeout: 20 * time.Millisecond,
	})

	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	pauseDone := make(chan struct{})
	go func() {
		_ = w.Pause(ctx)
		close(pauseDone)
	}()
	select {
	case <-pauseDone:
	case <-time.After(time.Second):
		t.Fatal("pause never resolved")
	}
	if !w.IsPaused() {
		t.Fatal("expected worker to report paused")
	}

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "during-pause"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Active != 0 {
		t.Fatalf("expected no active jobs while worker paused, got %d", counts.Active)
	}

	w.Resume()
	deadline := time.Now().Add(time.Second)
	for {
		j, err := p.GetJob(ctx, "during-pause")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if !j.ProcessedOn.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was never processed after resume")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

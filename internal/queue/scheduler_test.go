package queue

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerPromoteDelayed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)
	s := NewScheduler(q, p, SchedulerOptions{})

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "due", Delay: time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "future", Delay: time.Hour}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Fire times are computed from the Go clock, so real time has to pass.
	time.Sleep(10 * time.Millisecond)

	n, err := s.promoteDelayed(ctx)
	if err != nil {
		t.Fatalf("promoteDelayed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job promoted, got %d", n)
	}

	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 waiting job after promotion, got %d", counts.Waiting)
	}
	if counts.Delayed != 1 {
		t.Fatalf("expected the future job to remain delayed, got %d", counts.Delayed)
	}
}

// TestSchedulerMoveStalledJobs_RequiresTwoConsecutiveRounds exercises the
// two-pass snapshot algorithm: a job only just moved to active must survive
// one full stalled-interval before it can be flagged, so the first pass
// after it becomes active must not recover or fail it.
func TestSchedulerMoveStalledJobs_RequiresTwoConsecutiveRounds(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, "jobs")
	p := NewProducer(q)
	s := NewScheduler(q, p, SchedulerOptions{StalledInterval: time.Millisecond, MaxStalledCount: 1})

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "stall-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := q.moveToActiveOnce(ctx, "dead-worker", time.Minute, nil)
	if err != nil || res.Status != "ok" {
		t.Fatalf("moveToActive: status=%s err=%v", res.Status, err)
	}
	// The worker is dead and never renews: let its lock expire.
	mr.FastForward(2 * time.Minute)

	recovered, failed, err := s.moveStalledJobs(ctx)
	if err != nil {
		t.Fatalf("first moveStalledJobs: %v", err)
	}
	if recovered != 0 || failed != 0 {
		t.Fatalf("expected no recovery on first pass (no prior snapshot), got recovered=%d failed=%d", recovered, failed)
	}

	time.Sleep(2 * time.Millisecond)
	recovered, failed, err = s.moveStalledJobs(ctx)
	if err != nil {
		t.Fatalf("second moveStalledJobs: %v", err)
	}
	if recovered != 1 || failed != 0 {
		t.Fatalf("expected job recovered on second consecutive pass, got recovered=%d failed=%d", recovered, failed)
	}

	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Fatalf("expected stalled job reinserted into waiting, got waiting=%d active=%d", counts.Waiting, counts.Active)
	}
}

func TestSchedulerMoveStalledJobs_ExceedsMaxCountGoesToFailed(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, "jobs")
	p := NewProducer(q)
	s := NewScheduler(q, p, SchedulerOptions{StalledInterval: time.Millisecond, MaxStalledCount: 1})

	if _, _, err := p.Add(ctx, "a", []byte(`{}`), JobOptions{JobID: "stall-2"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.moveToActiveOnce(ctx, "dead-worker", time.Minute, nil); err != nil {
		t.Fatalf("moveToActive: %v", err)
	}
	// The worker is dead and never renews: let its lock expire.
	mr.FastForward(2 * time.Minute)

	// Drive enough consecutive passes for the job's stalledCount to exceed
	// MaxStalledCount, re-activating it each time a pass recovers it back
	// into wait so it keeps accumulating stall counts. Assert on the
	// terminal state rather than a specific pass index, since the number of
	// passes needed depends on the script's snapshot timing.
	var totalFailed int64
	for i := 0; i < 5 && totalFailed == 0; i++ {
		time.Sleep(2 * time.Millisecond)
		_, failed, err := s.moveStalledJobs(ctx)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		totalFailed += failed
		if totalFailed == 0 {
			// Still recovered (or untouched); if it's sitting in wait, put
			// it back into active so the next pass can observe it stalled
			// again.
			counts, err := p.GetJobCounts(ctx)
			if err != nil {
				t.Fatalf("counts: %v", err)
			}
			if counts.Waiting == 1 {
				if _, err := q.moveToActiveOnce(ctx, "dead-worker-2", time.Minute, nil); err != nil {
					t.Fatalf("reactivate: %v", err)
				}
				mr.FastForward(2 * time.Minute)
			}
		}
	}
	if totalFailed != 1 {
		t.Fatalf("expected job to eventually exceed maxStalledCount and move to failed, got totalFailed=%d", totalFailed)
	}

	job, err := p.GetJob(ctx, "stall-2")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.FailedReason == "" {
		t.Fatalf("expected failedReason recorded on stalled job")
	}
}

func TestSchedulerPromoteRepeats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "jobs")
	p := NewProducer(q)
	s := NewScheduler(q, p, SchedulerOptions{})

	key, err := p.AddRepeat(ctx, "heartbeat", []byte(`{}`), JobOptions{
		Repeat: &RepeatSpec{Every: time.Millisecond, Limit: 1},
	})
	if err != nil {
		t.Fatalf("add repeat: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	fired, err := s.promoteRepeats(ctx, p)
	if err != nil {
		t.Fatalf("promoteRepeats: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 repeat fired, got %d", fired)
	}

	counts, err := p.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected one spawned job instance waiting, got %d", counts.Waiting)
	}

	// Limit of 1 means the definition should be removed after firing once.
	exists, err := q.client.Exists(ctx, q.keys.repeat()+":"+key).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 0 {
		t.Fatalf("expected repeat definition removed after reaching its limit")
	}
}

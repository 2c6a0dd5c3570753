// Package queue implements the core job-queue engine: the state machine a
// job traverses, the atomic Redis scripts that drive every transition, the
// rate limiter, the worker fetch/lock-renewal loop, the scheduler, flow
// dependency resolution, and event fan-out. Payloads are opaque byte
// strings; this package never parses job Data except to extract an optional
// rate-limiter group key at enqueue time.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Recorder is the seam the core calls into after each successful
// transition. It lets an external metrics collector (Prometheus, statsd,
// whatever) observe the queue without the core importing it directly —
// this is "the metrics-collection helper" spec.md names as an external
// collaborator specified only by the interface the core consumes.
type Recorder interface {
	OnAdded(queue string)
	OnActive(queue string)
	OnCompleted(queue string)
	OnFailed(queue string)
	OnStalled(queue string, count int)
	OnRateLimited(queue string, delay time.Duration)
}

// noopRecorder discards every observation; New installs it when no Recorder
// is configured.
type noopRecorder struct{}

func (noopRecorder) OnAdded(string)                    {}
func (noopRecorder) OnActive(string)                   {}
func (noopRecorder) OnCompleted(string)                {}
func (noopRecorder) OnFailed(string)                   {}
func (noopRecorder) OnStalled(string, int)             {}
func (noopRecorder) OnRateLimited(string, time.Duration) {}

// Queue is a handle on one named queue's keyspace. Producer, Worker, and
// Scheduler each hold a *Queue; the only direct reference between them is
// the *Producer the Scheduler holds for its repeat tick. Nothing points back
// at the Scheduler or Worker.
type Queue struct {
	client   redis.UniversalClient
	keys     keyspace
	name     string
	prefix   string
	recorder Recorder
	closed   bool
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithPrefix overrides the default "bull" keyspace prefix.
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithRecorder wires an external metrics collector into the core.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

// New constructs a Queue bound to name over the given Redis client.
func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:   client,
		name:     name,
		prefix:   "bull",
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.keys = newKeyspace(q.prefix, q.name)
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Close marks the queue closed; in-flight operations already issued are not
// interrupted, but new calls return ErrClientClosed. It does not close the
// underlying Redis client, which may be shared (spec.md 5: "Closing a queue
// must not invalidate a blocking connection that a live worker still owns").
func (q *Queue) Close() error {
	q.closed = true
	return nil
}

func (q *Queue) checkClosed() error {
	if q.closed {
		return ErrClientClosed
	}
	return nil
}

// jobState determines which container currently holds jobID by probing each
// in the order the store is cheapest to check. This is used by Job.GetState
// and tests; hot paths in the worker/scheduler track state transitions
// locally instead of probing.
func (q *Queue) jobState(ctx context.Context, jobID string) (State, error) {
	pipe := q.client.Pipeline()
	activeCmd := pipe.LPos(ctx, q.keys.active(), jobID, redis.LPosArgs{})
	waitCmd := pipe.LPos(ctx, q.keys.wait(), jobID, redis.LPosArgs{})
	pausedCmd := pipe.LPos(ctx, q.keys.paused(), jobID, redis.LPosArgs{})
	delayedCmd := pipe.ZScore(ctx, q.keys.delayed(), jobID)
	waitingChildrenCmd := pipe.ZScore(ctx, q.keys.waitingChildren(), jobID)
	completedCmd := pipe.ZScore(ctx, q.keys.completed(), jobID)
	failedCmd := pipe.ZScore(ctx, q.keys.failed(), jobID)
	_, _ = pipe.Exec(ctx)

	if activeCmd.Err() == nil {
		return StateActive, nil
	}
	if completedCmd.Err() == nil {
		return StateCompleted, nil
	}
	if failedCmd.Err() == nil {
		return StateFailed, nil
	}
	if delayedCmd.Err() == nil {
		return StateDelayed, nil
	}
	if waitingChildrenCmd.Err() == nil {
		return StateWaitingChildren, nil
	}
	if waitCmd.Err() == nil {
		return StateWaiting, nil
	}
	if pausedCmd.Err() == nil {
		return StatePaused, nil
	}
	return StateUnknown, ErrJobNotFound
}

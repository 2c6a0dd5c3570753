package queue

import (
	"context"
	"encoding/json"
	"time"
)

// State is one of the mutually-exclusive containers a job id can occupy
// (invariant I1).
type State string

const (
	StateWaiting         State = "waiting"
	StatePaused          State = "paused"
	StateActive          State = "active"
	StateDelayed         State = "delayed"
	StateWaitingChildren State = "waiting-children"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateUnknown         State = "unknown"
)

// Job is the opaque unit of work the core moves between state containers.
// Data is treated as an opaque byte string; the core never inspects it
// except to extract GroupKey for rate limiting.
type Job struct {
	ID       string
	Name     string
	Data     []byte
	Opts     JobOptions
	Queue    *Queue `json:"-"`

	Progress     json.RawMessage
	AttemptsMade int
	ReturnValue  []byte
	FailedReason string
	Stacktrace   []string

	Timestamp   time.Time
	Delay       time.Duration
	ProcessedOn time.Time
	FinishedOn  time.Time

	ParentKey string // "{queueName}:{jobID}" of the parent, if any
	RJK       string // repeat-job key, if spawned from a repeat spec
}

// IsCompleted reports whether the job's last known state is completed.
func (j *Job) IsCompleted(ctx context.Context) (bool, error) { return j.hasState(ctx, StateCompleted) }

// IsFailed reports whether the job's last known state is failed.
func (j *Job) IsFailed(ctx context.Context) (bool, error) { return j.hasState(ctx, StateFailed) }

// IsDelayed reports whether the job is currently delayed.
func (j *Job) IsDelayed(ctx context.Context) (bool, error) { return j.hasState(ctx, StateDelayed) }

// IsActive reports whether the job is currently leased by a worker.
func (j *Job) IsActive(ctx context.Context) (bool, error) { return j.hasState(ctx, StateActive) }

// IsWaiting reports whether the job is runnable (wait or paused).
func (j *Job) IsWaiting(ctx context.Context) (bool, error) {
	s, err := j.GetState(ctx)
	if err != nil {
		return false, err
	}
	return s == StateWaiting || s == StatePaused, nil
}

// IsWaitingChildren reports whether the job is blocked on unresolved children.
func (j *Job) IsWaitingChildren(ctx context.Context) (bool, error) {
	return j.hasState(ctx, StateWaitingChildren)
}

func (j *Job) hasState(ctx context.Context, want State) (bool, error) {
	s, err := j.GetState(ctx)
	if err != nil {
		return false, err
	}
	return s == want, nil
}

// GetState inspects the queue's containers to determine the job's current
// state. It does not cache: callers that need a hot path should track state
// transitions locally (e.g. the worker loop already knows).
func (j *Job) GetState(ctx context.Context) (State, error) {
	return j.Queue.jobState(ctx, j.ID)
}

// UpdateProgress publishes a progress update for the job (spec 4.1
// updateProgress).
func (j *Job) UpdateProgress(ctx context.Context, progress json.RawMessage) error {
	return j.Queue.updateProgress(ctx, j.ID, progress)
}

// Log appends a line to the job's log key.
func (j *Job) Log(ctx context.Context, line string) error {
	return j.Queue.addJobLog(ctx, j.ID, line)
}

// Retry re-enqueues a failed job (spec 4.1 retryJob). Valid only from failed.
func (j *Job) Retry(ctx context.Context) error {
	return j.Queue.RetryJob(ctx, j.ID)
}

// Remove deletes the job and all its keys outright, wherever it currently is.
func (j *Job) Remove(ctx context.Context) error {
	return j.Queue.Remove(ctx, j.ID)
}

// MoveToCompleted transitions the job to completed using token as the lock
// owner credential (spec 4.1 moveToCompleted).
func (j *Job) MoveToCompleted(ctx context.Context, token string, returnValue []byte) error {
	return j.Queue.moveToCompleted(ctx, j.ID, token, returnValue)
}

// MoveToFailed transitions the job to failed or schedules a retry (spec 4.1
// moveToFailed).
func (j *Job) MoveToFailed(ctx context.Context, token string, cause error) error {
	return j.Queue.moveToFailed(ctx, j.ID, token, cause)
}

// jobHashFields is the wire shape of the per-job Redis hash ({jobId}).
type jobHashFields struct {
	Name            string `redis:"name"`
	Data            []byte `redis:"data"`
	Opts            string `redis:"opts"` // json-encoded JobOptions
	Progress        string `redis:"progress"`
	AttemptsMade    int    `redis:"attemptsMade"`
	ReturnValue     []byte `redis:"returnvalue"`
	FailedReason    string `redis:"failedReason"`
	Stacktrace      string `redis:"stacktrace"` // json array, bounded to StackTraceLimit
	Timestamp       int64  `redis:"timestamp"`
	Delay           int64  `redis:"delay"`
	ProcessedOn     int64  `redis:"processedOn"`
	FinishedOn      int64  `redis:"finishedOn"`
	ParentKey       string `redis:"parentKey"`
	RJK             string `redis:"rjk"`
	StalledCounter  int    `redis:"stalledCount"`
}

func encodeOpts(o JobOptions) (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeOpts(s string) (JobOptions, error) {
	var o JobOptions
	if s == "" {
		return o, nil
	}
	err := json.Unmarshal([]byte(s), &o)
	return o, err
}

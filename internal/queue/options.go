package queue

import "time"

// BackoffType selects the retry delay curve applied on failure (spec 4.1
// moveToFailed).
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay applied between retry attempts.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// delayFor computes the backoff delay for the given 1-indexed attempt count.
func (b Backoff) delayFor(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffExponential:
		shift := attemptsMade - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 30 {
			shift = 30 // guard against overflow for pathological attempt counts
		}
		return b.Delay * time.Duration(uint64(1)<<uint(shift))
	default:
		return b.Delay
	}
}

// RemovePolicy controls retention of terminal jobs (removeOnComplete /
// removeOnFail in spec 3.2).
type RemovePolicy struct {
	// Remove, when true, deletes the job hash immediately on transition.
	Remove bool
	// Count bounds the size of the completed/failed set by trimming the
	// oldest entries beyond this count. Zero means unbounded.
	Count int64
	// MaxAge is stored with the job's options but is not applied: retention
	// is bounded only by Remove and Count, never by age.
	MaxAge time.Duration
}

// RepeatSpec describes a recurring job schedule (spec 3.1 `repeat`, 3.2
// `repeat spec`). Every/Cron are mutually exclusive; Every wins if both set.
type RepeatSpec struct {
	Every    time.Duration
	Cron     string
	Timezone string
	Limit    int // maximum number of future iterations to schedule; 0 = unbounded
}

// JobOptions is the producer-side configuration bag (spec 9's "dynamic
// option bags ... explicit configuration records with enumerated fields").
type JobOptions struct {
	Priority     int // 1..N, lower is more urgent. 0 means unset (no priority ordering).
	Delay        time.Duration
	Attempts     int
	Backoff      Backoff
	JobID        string // explicit id override, makes addJob idempotent
	RemoveOnComplete RemovePolicy
	RemoveOnFail     RemovePolicy
	Parent       *ParentRef
	Repeat       *RepeatSpec
	LIFO         bool
	Timestamp    time.Time
	StackTraceLimit int
	GroupKey     string // field name in Data used to bucket the rate limiter
	IgnoreDependencyOnFailure bool
}

// ParentRef identifies the parent job of a flow child (spec 4.6).
type ParentRef struct {
	QueueName string
	JobID     string
}

func (o JobOptions) withDefaults() JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.StackTraceLimit <= 0 {
		o.StackTraceLimit = 10
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	return o
}

func (o JobOptions) validate() error {
	if o.Priority < 0 {
		return ErrInvalidOption
	}
	if o.Delay < 0 {
		return ErrInvalidOption
	}
	if o.Attempts != 0 && o.Attempts < 1 {
		return ErrInvalidOption
	}
	return nil
}

// WorkerOptions configures a Worker's fetch/lock/concurrency behavior
// (spec 4.3, 9).
type WorkerOptions struct {
	Concurrency      int
	LockDuration     time.Duration
	LockRenewTime    time.Duration
	StalledInterval  time.Duration
	MaxStalledCount  int
	Limiter          *LimiterOptions
	DrainDelay       time.Duration
	BlockingTimeout  time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.LockRenewTime <= 0 {
		o.LockRenewTime = o.LockDuration / 2
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = 1
	}
	if o.DrainDelay <= 0 {
		o.DrainDelay = 5 * time.Second
	}
	if o.BlockingTimeout <= 0 {
		o.BlockingTimeout = 5 * time.Second
	}
	return o
}

// LimiterOptions configures the rate limiter (spec 4.4).
type LimiterOptions struct {
	Max         int64
	Duration    time.Duration
	GroupKey    string
	WorkerDelay bool
}

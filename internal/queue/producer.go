package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Producer is the validated enqueue API described in spec.md 4.2. It wraps
// a *Queue; Queue itself stays free of validation/idempotency-shaping logic
// so Worker and Scheduler don't carry producer concerns.
type Producer struct {
	queue *Queue
}

// NewProducer wraps an existing Queue with the validated enqueue surface.
func NewProducer(q *Queue) *Producer {
	return &Producer{queue: q}
}

// Add validates opts, resolves group-key bucketing and idempotent job ids,
// and delegates to the addJob script (spec 4.2, 4.4).
func (p *Producer) Add(ctx context.Context, name string, data []byte, opts JobOptions) (*Job, bool, error) {
	if err := p.queue.checkClosed(); err != nil {
		return nil, false, err
	}
	if err := opts.validate(); err != nil {
		return nil, false, err
	}
	opts = opts.withDefaults()

	jobID, err := p.resolveJobID(ctx, opts, data)
	if err != nil {
		return nil, false, err
	}

	return p.addResolved(ctx, jobID, name, data, opts)
}

// resolveJobID allocates (or reuses) a base id, then applies the rate
// limiter's group-key suffix per spec 4.4: "the job id is suffixed
// :{groupValue} extracted from data[groupKey] at enqueue; if the field is
// absent, no group suffix is applied".
func (p *Producer) resolveJobID(ctx context.Context, opts JobOptions, data []byte) (string, error) {
	base := opts.JobID
	if base == "" {
		id, err := p.queue.client.Incr(ctx, p.queue.keys.id()).Result()
		if err != nil {
			return "", fmt.Errorf("queue: allocate job id: %w", err)
		}
		base = strconv.FormatInt(id, 10)
	}
	if opts.GroupKey == "" {
		return base, nil
	}
	groupValue, ok := extractField(data, opts.GroupKey)
	if !ok {
		return base, nil
	}
	return base + ":" + groupValue, nil
}

// extractField looks up a top-level string/number field in a JSON object
// payload without otherwise interpreting Data, preserving job-data opacity
// beyond this one control use (spec 4.4).
func extractField(data []byte, field string) (string, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return "", false
	}
	v, ok := m[field]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func (p *Producer) addResolved(ctx context.Context, jobID, name string, data []byte, opts JobOptions) (*Job, bool, error) {
	id, created, err := p.queue.addJob(ctx, jobID, name, data, opts, opts.LIFO)
	if err != nil {
		return nil, false, err
	}
	if created && opts.Parent != nil && opts.Parent.QueueName == p.queue.name {
		if err := p.queue.attachToParent(ctx, id, opts.Parent); err != nil {
			return nil, false, err
		}
	}
	job := &Job{ID: id, Name: name, Data: data, Opts: opts, Queue: p.queue, Timestamp: opts.Timestamp, Delay: opts.Delay}
	return job, !created, nil
}

// AddBulk calls Add once per job, in order. It does not pipeline: each job
// costs its own round trips. It offers no cross-job atomicity and stops at
// the first error, returning the jobs added before it.
func (p *Producer) AddBulk(ctx context.Context, jobs []struct {
	Name string
	Data []byte
	Opts JobOptions
}) ([]*Job, error) {
	results := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		job, _, err := p.Add(ctx, j.Name, j.Data, j.Opts)
		if err != nil {
			return results, err
		}
		results = append(results, job)
	}
	return results, nil
}

// Drain removes all jobs waiting to be processed (wait + optionally delayed)
// without touching active jobs.
func (p *Producer) Drain(ctx context.Context, includeDelayed bool) error {
	q := p.queue
	if err := q.client.Del(ctx, q.keys.wait(), q.keys.priority()).Err(); err != nil {
		return fmt.Errorf("queue: drain wait: %w", err)
	}
	if includeDelayed {
		if err := q.client.Del(ctx, q.keys.delayed()).Err(); err != nil {
			return fmt.Errorf("queue: drain delayed: %w", err)
		}
	}
	return q.client.Publish(ctx, q.keys.drainChannel(), "drained").Err()
}

// Clean removes jobs older than grace from the given status's container, up
// to limit jobs (0 = unlimited).
func (p *Producer) Clean(ctx context.Context, grace time.Duration, limit int64, status State) ([]string, error) {
	q := p.queue
	var key string
	switch status {
	case StateCompleted:
		key = q.keys.completed()
	case StateFailed:
		key = q.keys.failed()
	default:
		return nil, fmt.Errorf("%w: clean only supports completed/failed", ErrInvalidOption)
	}
	cutoff := time.Now().Add(-grace).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clean scan: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.keys.job(id))
		pipe.Del(ctx, q.keys.jobLogs(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: clean exec: %w", err)
	}
	return ids, nil
}

// Obliterate forwards to Queue.Obliterate.
func (p *Producer) Obliterate(ctx context.Context, force bool) error {
	return p.queue.Obliterate(ctx, force)
}

// Pause forwards to Queue.Pause.
func (p *Producer) Pause(ctx context.Context) error { return p.queue.Pause(ctx) }

// Resume forwards to Queue.Resume.
func (p *Producer) Resume(ctx context.Context) error { return p.queue.Resume(ctx) }

// IsPaused forwards to Queue.IsPaused.
func (p *Producer) IsPaused(ctx context.Context) (bool, error) { return p.queue.IsPaused(ctx) }

// JobCounts reports the size of each state container.
type JobCounts struct {
	Waiting         int64
	Active          int64
	Delayed         int64
	Completed       int64
	Failed          int64
	WaitingChildren int64
	Paused          int64
}

// GetJobCounts returns the size of every state container; it takes no
// filter and always reports all of them.
func (p *Producer) GetJobCounts(ctx context.Context) (JobCounts, error) {
	q := p.queue
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait())
	active := pipe.LLen(ctx, q.keys.active())
	paused := pipe.LLen(ctx, q.keys.paused())
	delayed := pipe.ZCard(ctx, q.keys.delayed())
	completed := pipe.ZCard(ctx, q.keys.completed())
	failed := pipe.ZCard(ctx, q.keys.failed())
	waitingChildren := pipe.ZCard(ctx, q.keys.waitingChildren())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return JobCounts{}, fmt.Errorf("queue: job counts: %w", err)
	}
	return JobCounts{
		Waiting:         wait.Val(),
		Active:          active.Val(),
		Paused:          paused.Val(),
		Delayed:         delayed.Val(),
		Completed:       completed.Val(),
		Failed:          failed.Val(),
		WaitingChildren: waitingChildren.Val(),
	}, nil
}

// GetJobs lists job ids in the given state between [start, end]. For the
// sorted-set states asc selects ascending or descending score order; the
// list-backed states (waiting, paused, active) are returned in list order
// and ignore asc.
func (p *Producer) GetJobs(ctx context.Context, status State, start, end int64, asc bool) ([]string, error) {
	q := p.queue
	switch status {
	case StateWaiting:
		return q.client.LRange(ctx, q.keys.wait(), start, end).Result()
	case StatePaused:
		return q.client.LRange(ctx, q.keys.paused(), start, end).Result()
	case StateActive:
		return q.client.LRange(ctx, q.keys.active(), start, end).Result()
	case StateDelayed:
		return rangeZSet(ctx, q.client, q.keys.delayed(), start, end, asc)
	case StateCompleted:
		return rangeZSet(ctx, q.client, q.keys.completed(), start, end, asc)
	case StateFailed:
		return rangeZSet(ctx, q.client, q.keys.failed(), start, end, asc)
	case StateWaitingChildren:
		return rangeZSet(ctx, q.client, q.keys.waitingChildren(), start, end, asc)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOption, status)
	}
}

func rangeZSet(ctx context.Context, client redis.UniversalClient, key string, start, end int64, asc bool) ([]string, error) {
	if asc {
		return client.ZRange(ctx, key, start, end).Result()
	}
	return client.ZRevRange(ctx, key, start, end).Result()
}

// GetJob fetches a job by id, decoding its hash into a *Job.
func (p *Producer) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return p.queue.GetJob(ctx, jobID)
}

// GetJob fetches a job by id, decoding its hash into a *Job.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	vals, err := q.client.HGetAll(ctx, q.keys.job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	opts, err := decodeOpts(vals["opts"])
	if err != nil {
		return nil, fmt.Errorf("queue: decode job opts: %w", err)
	}
	attempts, _ := strconv.Atoi(vals["attemptsMade"])
	timestamp, _ := strconv.ParseInt(vals["timestamp"], 10, 64)
	delay, _ := strconv.ParseInt(vals["delay"], 10, 64)
	processedOn, _ := strconv.ParseInt(vals["processedOn"], 10, 64)
	finishedOn, _ := strconv.ParseInt(vals["finishedOn"], 10, 64)

	job := &Job{
		ID:           jobID,
		Name:         vals["name"],
		Data:         []byte(vals["data"]),
		Opts:         opts,
		Queue:        q,
		Progress:     json.RawMessage(vals["progress"]),
		AttemptsMade: attempts,
		ReturnValue:  []byte(vals["returnvalue"]),
		FailedReason: vals["failedReason"],
		Timestamp:    time.UnixMilli(timestamp),
		Delay:        time.Duration(delay) * time.Millisecond,
		ParentKey:    vals["parentKey"],
		RJK:          vals["rjk"],
	}
	if processedOn > 0 {
		job.ProcessedOn = time.UnixMilli(processedOn)
	}
	if finishedOn > 0 {
		job.FinishedOn = time.UnixMilli(finishedOn)
	}
	return job, nil
}

// GetJobLogs returns the job's log lines in [start, end].
func (p *Producer) GetJobLogs(ctx context.Context, jobID string, start, end int64, asc bool) ([]string, error) {
	q := p.queue
	lines, err := q.client.LRange(ctx, q.keys.jobLogs(jobID), start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job logs: %w", err)
	}
	if !asc {
		for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
			lines[i], lines[j] = lines[j], lines[i]
		}
	}
	return lines, nil
}

// GetWorkers returns the tokens of workers currently registered against this
// queue (populated by Worker.Run via a heartbeat set).
func (p *Producer) GetWorkers(ctx context.Context) ([]string, error) {
	q := p.queue
	ids, err := q.client.SMembers(ctx, q.keys.base+":workers").Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get workers: %w", err)
	}
	return ids, nil
}

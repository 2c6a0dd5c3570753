package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// addJobScript writes the job hash and inserts it into delayed, wait, or
// paused, honoring priority ordering in the wait list (spec 4.1 addJob).
// It is idempotent: if ARGV[1] (the resolved job id) already has a hash, the
// existing job is left untouched and {jobId, 0} is returned; a newly created
// job returns {jobId, 1}.
//
// If the job id is already a member of waitingChildren (KEYS[7]) — because
// AddFlow's post-order walk attached a child to this not-yet-created parent
// before this call ran — the job hash is written but the job is left where
// it is instead of also being pushed into wait/delayed, preserving
// invariant I1 (a job id occupies exactly one container).
//
// KEYS[1] wait  KEYS[2] paused  KEYS[3] priority  KEYS[4] delayed
// KEYS[5] meta  KEYS[6] events(stream)  KEYS[7] waitingChildren
// ARGV[1] jobId  ARGV[2] name  ARGV[3] data  ARGV[4] optsJSON
// ARGV[5] delayMS  ARGV[6] priority  ARGV[7] nowMS  ARGV[8] jobKey
// ARGV[9] lifo ("1"/"0")  ARGV[10] parentKey
var addJobScript = redis.NewScript(`
local jobKey = ARGV[8]
if redis.call('EXISTS', jobKey) == 1 then
  return {ARGV[1], 0}
end

redis.call('HMSET', jobKey,
  'name', ARGV[2], 'data', ARGV[3], 'opts', ARGV[4],
  'timestamp', ARGV[7], 'delay', ARGV[5], 'attemptsMade', 0,
  'parentKey', ARGV[10])

if redis.call('ZSCORE', KEYS[7], ARGV[1]) ~= false then
  return {ARGV[1], 1}
end

local delay = tonumber(ARGV[5])
local priority = tonumber(ARGV[6])
local now = tonumber(ARGV[7])
local paused = redis.call('HGET', KEYS[5], 'paused')

if delay > 0 then
  local fireTime = now + delay
  local score = (fireTime * 32768) + priority
  redis.call('ZADD', KEYS[4], score, ARGV[1])
  redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'delayed', 'jobId', ARGV[1])
  return {ARGV[1], 1}
end

local target = KEYS[1]
if paused == '1' then target = KEYS[2] end

if ARGV[9] == '1' then
  redis.call('RPUSH', target, ARGV[1])
else
  redis.call('LPUSH', target, ARGV[1])
end

if priority > 0 then
  redis.call('ZADD', KEYS[3], priority, ARGV[1])
end

redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'added', 'jobId', ARGV[1])
redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'waiting', 'jobId', ARGV[1])
return {ARGV[1], 1}
`)

// moveToActiveScript pops the next runnable job (priority set takes
// precedence over plain FIFO order per invariant I2) and leases it to the
// calling worker, unless the queue is paused or the rate limiter is over
// quota (spec 4.1 moveToActive, spec 4.4).
//
// KEYS[1] wait  KEYS[2] active  KEYS[3] priority  KEYS[4] meta
// KEYS[5] delayed  KEYS[6] events(stream)  KEYS[7] limiter(base)
// ARGV[1] workerToken  ARGV[2] lockDurationMS  ARGV[3] nowMS
// ARGV[4] jobKeyPrefix  ARGV[5] limiterEnabled("1"/"0")
// ARGV[6] limiterMax  ARGV[7] limiterDurationMS
//
// Returns {status, jobId, delayMS}. status: "ok" | "paused" | "empty" | "limited"
//
// The rate limiter bucket (spec 4.4) is B = limiter, or limiter:{group} when
// the popped job's id carries a ":{group}" suffix (attached by the producer
// at enqueue time per spec 4.4). Incrementing and reinserting the candidate
// into delayed happen in the same atomic region as the pop so no job is ever
// dropped between the two steps.
var moveToActiveScript = redis.NewScript(`
local paused = redis.call('HGET', KEYS[4], 'paused')
if paused == '1' then
  return {'paused', '', 0}
end

local jobId = nil
local priorityOfJob = 0
local top = redis.call('ZRANGE', KEYS[3], 0, 0, 'WITHSCORES')
if top[1] then
  jobId = top[1]
  priorityOfJob = tonumber(top[2]) or 0
  redis.call('ZREM', KEYS[3], jobId)
  redis.call('LREM', KEYS[1], 1, jobId)
else
  jobId = redis.call('RPOP', KEYS[1])
end

if not jobId then
  return {'empty', '', 0}
end

if ARGV[5] == '1' then
  local bucketKey = KEYS[7]
  local sep = string.find(jobId, ':')
  if sep then
    bucketKey = KEYS[7] .. ':' .. string.sub(jobId, sep + 1)
  end
  local count = redis.call('INCR', bucketKey)
  if count == 1 then
    redis.call('PEXPIRE', bucketKey, ARGV[7])
  end
  if count > tonumber(ARGV[6]) then
    local pttl = redis.call('PTTL', bucketKey)
    if pttl < 0 then pttl = tonumber(ARGV[7]) end
    local score = (tonumber(ARGV[3]) + pttl) * 32768 + priorityOfJob
    redis.call('ZADD', KEYS[5], score, jobId)
    redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'delayed', 'jobId', jobId)
    return {'limited', jobId, pttl}
  end
end

local jobKey = ARGV[4] .. jobId
redis.call('LPUSH', KEYS[2], jobId)
redis.call('SET', jobKey .. ':lock', ARGV[1], 'PX', ARGV[2])
redis.call('HSET', jobKey, 'processedOn', ARGV[3])
redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'active', 'jobId', jobId)
return {'ok', jobId, 0}
`)

// extendLockScript refreshes a lock's TTL if and only if token still owns
// it (spec 4.1 extendLock).
var extendLockScript = redis.NewScript(`
local lockKey = KEYS[1]
local owner = redis.call('GET', lockKey)
if owner ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', lockKey, ARGV[2])
return 1
`)

// updateProgressScript writes progress and publishes an event.
// KEYS[1] jobKey  KEYS[2] events(stream)
var updateProgressScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', 2000, '*', 'event', 'progress', 'jobId', ARGV[2], 'progress', ARGV[1])
return 1
`)

// moveToCompletedScript verifies lock ownership, removes the job from
// active, records the return value, and either deletes the job or inserts
// it into completed (trimmed per RemovePolicy), per spec 4.1
// moveToCompleted.
//
// KEYS[1] active  KEYS[2] completed  KEYS[3] events(stream)
// ARGV[1] jobId  ARGV[2] token  ARGV[3] jobKey  ARGV[4] returnValue
// ARGV[5] nowMS  ARGV[6] removeImmediately("1"/"0")
// ARGV[7] trimCount (0 = no trim)
//
// Returns 1 on success, -1 on lock mismatch, -2 if job missing.
var moveToCompletedScript = redis.NewScript(`
local jobKey = ARGV[3]
local lockKey = jobKey .. ':lock'
local owner = redis.call('GET', lockKey)
if owner ~= ARGV[2] then
  return -1
end
if redis.call('EXISTS', jobKey) == 0 then
  return -2
end

redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('DEL', lockKey)
redis.call('HSET', jobKey, 'returnvalue', ARGV[4], 'finishedOn', ARGV[5])

if ARGV[6] == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
  local trim = tonumber(ARGV[7])
  if trim and trim > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(trim + 1))
  end
end

redis.call('XADD', KEYS[3], 'MAXLEN', '~', 2000, '*', 'event', 'completed', 'jobId', ARGV[1])
return 1
`)

// moveToFailedScript verifies lock ownership, removes the job from active,
// and either schedules a retry (wait/delayed, honoring backoff) or moves the
// job to failed permanently, per spec 4.1 moveToFailed.
//
// KEYS[1] active  KEYS[2] wait  KEYS[3] delayed  KEYS[4] failed
// KEYS[5] events(stream)
// ARGV[1] jobId  ARGV[2] token  ARGV[3] jobKey  ARGV[4] reason
// ARGV[5] nowMS  ARGV[6] removeImmediately("1"/"0")  ARGV[7] trimCount
// ARGV[8] willRetry("1"/"0")  ARGV[9] retryDelayMS  ARGV[10] priority
// ARGV[11] newAttemptsMade
//
// Returns 1 (retry scheduled), 2 (moved to failed), -1 (lock mismatch),
// -2 (job missing).
var moveToFailedScript = redis.NewScript(`
local jobKey = ARGV[3]
local lockKey = jobKey .. ':lock'
local owner = redis.call('GET', lockKey)
if owner ~= ARGV[2] then
  return -1
end
if redis.call('EXISTS', jobKey) == 0 then
  return -2
end

redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('DEL', lockKey)
redis.call('HSET', jobKey, 'failedReason', ARGV[4], 'attemptsMade', ARGV[11])

if ARGV[8] == '1' then
  local delay = tonumber(ARGV[9])
  if delay > 0 then
    local score = (tonumber(ARGV[5]) + delay) * 32768 + tonumber(ARGV[10])
    redis.call('ZADD', KEYS[3], score, ARGV[1])
  else
    redis.call('LPUSH', KEYS[2], ARGV[1])
  end
  redis.call('XADD', KEYS[5], 'MAXLEN', '~', 2000, '*', 'event', 'failed', 'jobId', ARGV[1], 'retry', '1')
  return 1
end

redis.call('HSET', jobKey, 'finishedOn', ARGV[5])
if ARGV[6] == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
  local trim = tonumber(ARGV[7])
  if trim and trim > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[4], 0, -(trim + 1))
  end
end
redis.call('XADD', KEYS[5], 'MAXLEN', '~', 2000, '*', 'event', 'failed', 'jobId', ARGV[1], 'retry', '0')
return 2
`)

// retryJobScript reinserts a failed job into wait (spec 4.1 retryJob).
// KEYS[1] failed  KEYS[2] wait  KEYS[3] jobKey  KEYS[4] events(stream)
var retryJobScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], 'failedReason', 'finishedOn')
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('XADD', KEYS[4], 'MAXLEN', '~', 2000, '*', 'event', 'waiting', 'jobId', ARGV[1])
return 1
`)

// pauseResumeScript atomically flips the paused flag and renames wait<->paused
// so in-flight workers observe a consistent view (spec 4.1 pause/resume).
// ARGV[1] "pause" | "resume"
var pauseResumeScript = redis.NewScript(`
if ARGV[1] == 'pause' then
  if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('RENAME', KEYS[1], KEYS[2])
  end
  redis.call('HSET', KEYS[3], 'paused', '1')
  redis.call('XADD', KEYS[4], 'MAXLEN', '~', 2000, '*', 'event', 'paused')
else
  if redis.call('EXISTS', KEYS[2]) == 1 then
    redis.call('RENAME', KEYS[2], KEYS[1])
  end
  redis.call('HSET', KEYS[3], 'paused', '0')
  redis.call('XADD', KEYS[4], 'MAXLEN', '~', 2000, '*', 'event', 'resumed')
end
return 1
`)

// obliterateScript deletes every key under the queue's namespace, refusing
// when active is non-empty unless force is set (spec 4.1 obliterate).
// KEYS is the full fixed vector of container keys to delete (not per-job
// keys, which Go iterates and deletes separately since their count is
// unbounded and data-dependent).
var obliterateScript = redis.NewScript(`
if ARGV[1] ~= '1' then
  if redis.call('LLEN', KEYS[1]) > 0 then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('DEL', KEYS[i])
end
return 1
`)

func msNow() int64 { return time.Now().UnixMilli() }

// addJob is the Go-side wrapper around addJobScript. jobID must already be
// fully resolved (including any rate-limiter group suffix) by the caller.
func (q *Queue) addJob(ctx context.Context, jobID, name string, data []byte, opts JobOptions, lifo bool) (string, bool, error) {
	optsJSON, err := encodeOpts(opts)
	if err != nil {
		return "", false, err
	}
	lifoArg := "0"
	if lifo {
		lifoArg = "1"
	}
	parentKey := ""
	if opts.Parent != nil {
		parentKey = opts.Parent.QueueName + ":" + opts.Parent.JobID
	}
	res, err := addJobScript.Run(ctx, q.client, []string{
		q.keys.wait(), q.keys.paused(), q.keys.priority(), q.keys.delayed(),
		q.keys.meta(), q.keys.events(), q.keys.waitingChildren(),
	},
		jobID, name, string(data), optsJSON,
		opts.Delay.Milliseconds(), opts.Priority, msNow(),
		q.keys.job(jobID), lifoArg, parentKey,
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("queue: addJob script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return "", false, ErrScriptError
	}
	id, _ := arr[0].(string)
	created, _ := arr[1].(int64)
	q.recorder.OnAdded(q.name)
	return id, created == 1, nil
}

// moveToActiveResult is the decoded reply of moveToActiveScript.
type moveToActiveResult struct {
	Status string // "ok" | "paused" | "empty" | "limited"
	JobID  string
	Delay  time.Duration
}

func (q *Queue) moveToActiveOnce(ctx context.Context, token string, lockDuration time.Duration, limiter *LimiterOptions) (moveToActiveResult, error) {
	enabled := "0"
	var max, durationMS int64
	if limiter != nil && limiter.Max > 0 {
		enabled = "1"
		max = limiter.Max
		durationMS = limiter.Duration.Milliseconds()
	}
	res, err := moveToActiveScript.Run(ctx, q.client, []string{
		q.keys.wait(), q.keys.active(), q.keys.priority(), q.keys.meta(),
		q.keys.delayed(), q.keys.events(), q.keys.limiter(),
	},
		token, lockDuration.Milliseconds(), msNow(), q.keys.base+":",
		enabled, max, durationMS,
	).Result()
	if err != nil {
		return moveToActiveResult{}, fmt.Errorf("queue: moveToActive script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return moveToActiveResult{}, ErrScriptError
	}
	status, _ := arr[0].(string)
	jobID, _ := arr[1].(string)
	delayMS, _ := arr[2].(int64)
	if status == "ok" {
		q.recorder.OnActive(q.name)
	}
	return moveToActiveResult{Status: status, JobID: jobID, Delay: time.Duration(delayMS) * time.Millisecond}, nil
}

func (q *Queue) extendLock(ctx context.Context, jobID, token string, duration time.Duration) error {
	res, err := extendLockScript.Run(ctx, q.client, []string{q.keys.jobLock(jobID)}, token, duration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("queue: extendLock script: %w", err)
	}
	if res == 0 {
		return ErrLockMismatch
	}
	return nil
}

func (q *Queue) updateProgress(ctx context.Context, jobID string, progress json.RawMessage) error {
	_, err := updateProgressScript.Run(ctx, q.client,
		[]string{q.keys.job(jobID), q.keys.events()},
		string(progress), jobID,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: updateProgress script: %w", err)
	}
	return nil
}

func (q *Queue) addJobLog(ctx context.Context, jobID, line string) error {
	return q.client.RPush(ctx, q.keys.jobLogs(jobID), line).Err()
}

func (q *Queue) moveToCompleted(ctx context.Context, jobID, token string, returnValue []byte) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	removeImmediately := "0"
	if job.Opts.RemoveOnComplete.Remove {
		removeImmediately = "1"
	}
	res, err := moveToCompletedScript.Run(ctx, q.client,
		[]string{q.keys.active(), q.keys.completed(), q.keys.events()},
		jobID, token, q.keys.job(jobID), string(returnValue), msNow(),
		removeImmediately, job.Opts.RemoveOnComplete.Count,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: moveToCompleted script: %w", err)
	}
	switch res {
	case -1:
		return ErrLockMismatch
	case -2:
		return ErrJobNotFound
	}
	if err := q.resolveParentDependency(ctx, job); err != nil {
		return err
	}
	q.recorder.OnCompleted(q.name)
	return nil
}

func (q *Queue) moveToFailed(ctx context.Context, jobID, token string, cause error) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	attemptsMade := job.AttemptsMade + 1
	willRetry := attemptsMade < job.Opts.Attempts
	delay := time.Duration(0)
	if willRetry {
		delay = job.Opts.Backoff.delayFor(attemptsMade)
	}
	removeImmediately := "0"
	if job.Opts.RemoveOnFail.Remove {
		removeImmediately = "1"
	}
	willRetryArg := "0"
	if willRetry {
		willRetryArg = "1"
	}
	res, err := moveToFailedScript.Run(ctx, q.client,
		[]string{q.keys.active(), q.keys.wait(), q.keys.delayed(), q.keys.failed(), q.keys.events()},
		jobID, token, q.keys.job(jobID), cause.Error(), msNow(),
		removeImmediately, job.Opts.RemoveOnFail.Count,
		willRetryArg, delay.Milliseconds(), job.Opts.Priority, attemptsMade,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: moveToFailed script: %w", err)
	}
	switch res {
	case -1:
		return ErrLockMismatch
	case -2:
		return ErrJobNotFound
	}
	if res == 2 {
		if err := q.failParentDependents(ctx, job, "parent failed"); err != nil {
			return err
		}
	}
	q.recorder.OnFailed(q.name)
	return nil
}

// RetryJob re-enqueues a failed job (spec 4.1 retryJob). Valid only from
// failed; returns ErrNotRetryable otherwise.
func (q *Queue) RetryJob(ctx context.Context, jobID string) error {
	res, err := retryJobScript.Run(ctx, q.client,
		[]string{q.keys.failed(), q.keys.wait(), q.keys.job(jobID), q.keys.events()},
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: retryJob script: %w", err)
	}
	if res == 0 {
		return ErrNotRetryable
	}
	return nil
}

// Remove deletes a job outright regardless of its current state.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keys.wait(), 0, jobID)
	pipe.LRem(ctx, q.keys.paused(), 0, jobID)
	pipe.LRem(ctx, q.keys.active(), 0, jobID)
	pipe.ZRem(ctx, q.keys.delayed(), jobID)
	pipe.ZRem(ctx, q.keys.priority(), jobID)
	pipe.ZRem(ctx, q.keys.completed(), jobID)
	pipe.ZRem(ctx, q.keys.failed(), jobID)
	pipe.ZRem(ctx, q.keys.waitingChildren(), jobID)
	pipe.Del(ctx, q.keys.job(jobID))
	pipe.Del(ctx, q.keys.jobLogs(jobID))
	pipe.Del(ctx, q.keys.jobLock(jobID))
	pipe.Del(ctx, q.keys.dependencies(jobID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: remove job: %w", err)
	}
	return nil
}

// Pause stops the queue from handing out new jobs; inflight jobs continue.
func (q *Queue) Pause(ctx context.Context) error {
	return q.pauseResume(ctx, "pause")
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.pauseResume(ctx, "resume")
}

func (q *Queue) pauseResume(ctx context.Context, action string) error {
	_, err := pauseResumeScript.Run(ctx, q.client,
		[]string{q.keys.wait(), q.keys.paused(), q.keys.meta(), q.keys.events()},
		action,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: %s script: %w", action, err)
	}
	return q.client.Publish(ctx, q.keys.drainChannel(), action).Err()
}

// IsPaused reports the queue's paused flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	v, err := q.client.HGet(ctx, q.keys.meta(), "paused").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Obliterate deletes every key under the queue's namespace. It refuses if
// the active set is non-empty unless force is true.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	res, err := obliterateScript.Run(ctx, q.client, []string{
		q.keys.active(), q.keys.wait(), q.keys.paused(), q.keys.priority(),
		q.keys.delayed(), q.keys.completed(), q.keys.failed(),
		q.keys.waitingChildren(), q.keys.stalled(), q.keys.stalledCheck(),
		q.keys.limiter(), q.keys.id(), q.keys.events(), q.keys.meta(),
		q.keys.repeat(),
	}, forceArg).Int()
	if err != nil {
		return fmt.Errorf("queue: obliterate script: %w", err)
	}
	if res == 0 {
		return ErrObliterateActive
	}

	// Per-job keys are unbounded and data dependent; scan and delete the
	// remainder (job hashes, logs, locks, dependency sets) left over from
	// containers that no longer reference them.
	iter := q.client.Scan(ctx, 0, q.keys.base+":*", 500).Iterator()
	var stray []string
	for iter.Next(ctx) {
		stray = append(stray, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("queue: obliterate scan: %w", err)
	}
	if len(stray) > 0 {
		if err := q.client.Del(ctx, stray...).Err(); err != nil {
			return fmt.Errorf("queue: obliterate cleanup: %w", err)
		}
	}
	return nil
}

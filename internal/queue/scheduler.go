package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDelayedScript moves every delayed job whose fire time has arrived
// into wait (and also into the priority set, if it carries one), honoring
// pause (spec 4.5 "Delayed promotion").
//
// KEYS[1] delayed  KEYS[2] wait  KEYS[3] priority  KEYS[4] meta
// KEYS[5] paused  KEYS[6] events(stream)
// ARGV[1] nowMS  ARGV[2] limit
var promoteDelayedScript = redis.NewScript(`
local maxScore = (tonumber(ARGV[1]) * 32768) + 32767
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', maxScore, 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then
  return 0
end
local paused = redis.call('HGET', KEYS[4], 'paused')
local target = KEYS[2]
if paused == '1' then target = KEYS[5] end

for _, id in ipairs(ids) do
  local score = redis.call('ZSCORE', KEYS[1], id)
  local priority = math.floor(tonumber(score)) % 32768
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', target, id)
  if priority > 0 then
    redis.call('ZADD', KEYS[3], priority, id)
  end
  redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'waiting', 'jobId', id)
end
return #ids
`)

// moveStalledJobsScript recovers jobs abandoned by a crashed or hung worker.
// A job is only considered stalled if its lock key has expired and it was
// still sitting in active across two consecutive checks (the prior round's
// snapshot, held in KEYS[2]) — a
// job that only just became active this round gets one full interval of
// grace before it can be flagged, per spec 4.5 "Stalled-job recovery".
//
// KEYS[1] active  KEYS[2] stalled  KEYS[3] stalledCheck  KEYS[4] wait
// KEYS[5] failed  KEYS[6] events(stream)
// ARGV[1] nowMS  ARGV[2] stalledIntervalMS  ARGV[3] maxStalledCount
// ARGV[4] jobKeyPrefix
//
// Returns {recoveredCount, failedCount}. The CAS on stalledCheck lets
// multiple scheduler processes share the same queue without each one
// independently re-running recovery on every tick.
var moveStalledJobsScript = redis.NewScript(`
local lastCheck = tonumber(redis.call('GET', KEYS[3]) or '0')
if (tonumber(ARGV[1]) - lastCheck) < tonumber(ARGV[2]) then
  return {0, 0}
end
redis.call('SET', KEYS[3], ARGV[1])

local prevStalled = {}
for _, id in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  prevStalled[id] = true
end

local active = redis.call('LRANGE', KEYS[1], 0, -1)
local recovered, failedCount = 0, 0

for _, id in ipairs(active) do
  if prevStalled[id] and redis.call('EXISTS', ARGV[4] .. id .. ':lock') == 0 then
    local jobKey = ARGV[4] .. id
    local count = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
    redis.call('LREM', KEYS[1], 1, id)
    if count > tonumber(ARGV[3]) then
      redis.call('HSET', jobKey, 'failedReason', 'job stalled more than allowable limit', 'finishedOn', ARGV[1])
      redis.call('ZADD', KEYS[5], ARGV[1], id)
      redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'failed', 'jobId', id, 'reason', 'stalled')
      failedCount = failedCount + 1
    else
      redis.call('LPUSH', KEYS[4], id)
      redis.call('XADD', KEYS[6], 'MAXLEN', '~', 2000, '*', 'event', 'stalled', 'jobId', id)
      recovered = recovered + 1
    end
  end
end

redis.call('DEL', KEYS[2])
if #active > 0 then
  redis.call('SADD', KEYS[2], unpack(active))
end

return {recovered, failedCount}
`)

// SchedulerOptions configures the QueueScheduler's interleaved timers
// (spec 4.5, supplemented repeat-job tick).
type SchedulerOptions struct {
	PromoteInterval time.Duration
	StalledInterval time.Duration
	RepeatInterval  time.Duration
	MaxStalledCount int
	PromoteBatch    int64
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = 1
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 1000
	}
	if o.RepeatInterval <= 0 {
		o.RepeatInterval = time.Second
	}
	return o
}

// Scheduler runs the delayed-promotion and stalled-recovery timers described
// in spec.md 4.5, plus the repeat-job tick (supplemented feature). It holds
// no per-job state in process; everything it needs to reason about lives in
// Redis, so any number of scheduler instances can run against the same
// queue redundantly for availability.
type Scheduler struct {
	queue    *Queue
	opts     SchedulerOptions
	producer *Producer
}

// NewScheduler constructs a Scheduler bound to q. producer may be nil, in
// which case the repeat-job tick is skipped (a scheduler with no producer
// still runs delayed promotion and stall recovery).
func NewScheduler(q *Queue, producer *Producer, opts SchedulerOptions) *Scheduler {
	return &Scheduler{queue: q, producer: producer, opts: opts.withDefaults()}
}

// Run blocks, driving all timers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	promote := time.NewTicker(s.opts.PromoteInterval)
	defer promote.Stop()
	stalled := time.NewTicker(s.opts.StalledInterval)
	defer stalled.Stop()
	repeat := time.NewTicker(s.opts.RepeatInterval)
	defer repeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-promote.C:
			if _, err := s.promoteDelayed(ctx); err != nil {
				return err
			}
		case <-stalled.C:
			recovered, failed, err := s.moveStalledJobs(ctx)
			if err != nil {
				return err
			}
			if recovered+failed > 0 {
				s.queue.recorder.OnStalled(s.queue.name, int(recovered+failed))
			}
		case <-repeat.C:
			if s.producer == nil {
				continue
			}
			if _, err := s.promoteRepeats(ctx, s.producer); err != nil {
				return err
			}
		}
	}
}

// promoteDelayed moves every delayed job whose fire time has arrived into
// wait, returning the count promoted. Exposed for tests and one-shot
// callers that don't want the full Run loop.
func (s *Scheduler) promoteDelayed(ctx context.Context) (int64, error) {
	q := s.queue
	n, err := promoteDelayedScript.Run(ctx, q.client, []string{
		q.keys.delayed(), q.keys.wait(), q.keys.priority(), q.keys.meta(),
		q.keys.paused(), q.keys.events(),
	}, msNow(), s.opts.PromoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: promoteDelayed script: %w", err)
	}
	return n, nil
}

// moveStalledJobs runs one stalled-recovery pass, returning the number of
// jobs reinserted into wait and the number moved to failed.
func (s *Scheduler) moveStalledJobs(ctx context.Context) (recovered, failed int64, err error) {
	q := s.queue
	res, err := moveStalledJobsScript.Run(ctx, q.client, []string{
		q.keys.active(), q.keys.stalled(), q.keys.stalledCheck(), q.keys.wait(),
		q.keys.failed(), q.keys.events(),
	}, msNow(), s.opts.StalledInterval.Milliseconds(), s.opts.MaxStalledCount, q.keys.base+":").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: moveStalledJobs script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, 0, ErrScriptError
	}
	recoveredN, _ := arr[0].(int64)
	failedN, _ := arr[1].(int64)
	return recoveredN, failedN, nil
}

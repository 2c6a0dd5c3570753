package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/redis/go-redis/v9"
)

// RepeatableJob is one entry in the repeat schedule (spec 3.2 `repeat spec`,
// supplemented feature: repeat jobs). Its key is a deterministic hash of
// name + schedule + timezone so AddRepeat is idempotent: calling it twice
// with the same schedule updates rather than duplicates the entry.
type RepeatableJob struct {
	Key       string
	Name      string
	Data      []byte
	Opts      JobOptions
	NextRunAt time.Time
	Count     int
}

type repeatRecord struct {
	Name  string          `json:"name"`
	Data  []byte          `json:"data"`
	Opts  json.RawMessage `json:"opts"`
	Count int             `json:"count"`
}

// repeatKey derives a stable id for a repeat definition so re-registering
// the same schedule is a no-op rather than a duplicate.
func repeatKey(name string, spec RepeatSpec) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", name, spec.Cron, spec.Every, spec.Timezone)
	return hex.EncodeToString(h.Sum(nil))
}

// nextRun computes the next fire time after `from`, using Every if set
// (checked first per spec 3.2: "Every/Cron are mutually exclusive; Every
// wins if both set"), falling back to standard 5-field cron parsing in the
// configured timezone.
func nextRun(spec RepeatSpec, from time.Time) (time.Time, error) {
	if spec.Every > 0 {
		return from.Add(spec.Every), nil
	}
	if spec.Cron == "" {
		return time.Time{}, fmt.Errorf("%w: repeat spec needs Every or Cron", ErrInvalidOption)
	}
	loc := time.UTC
	if spec.Timezone != "" {
		tz, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("queue: load repeat timezone: %w", err)
		}
		loc = tz
	}
	schedule, err := cronlib.ParseStandard(spec.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: parse cron schedule: %w", err)
	}
	return schedule.Next(from.In(loc)), nil
}

// AddRepeat registers (or updates) a repeatable job definition. The first
// occurrence is due at nextRun(now) (one Every interval ahead, or the next
// cron match) and is enqueued by the scheduler's repeat tick; it is not
// added synchronously here, keeping AddRepeat's contract symmetrical
// with Add/AddFlow (producer calls never block on scheduler timing).
func (p *Producer) AddRepeat(ctx context.Context, name string, data []byte, opts JobOptions) (string, error) {
	if opts.Repeat == nil {
		return "", fmt.Errorf("%w: AddRepeat requires opts.Repeat", ErrInvalidOption)
	}
	q := p.queue
	key := repeatKey(name, *opts.Repeat)
	first, err := nextRun(*opts.Repeat, time.Now())
	if err != nil {
		return "", err
	}
	optsJSON, err := encodeOpts(opts)
	if err != nil {
		return "", err
	}
	rec := repeatRecord{Name: name, Data: data, Opts: json.RawMessage(optsJSON)}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("queue: encode repeat record: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keys.repeat()+":"+key, "def", string(recJSON))
	pipe.ZAdd(ctx, q.keys.repeat(), redis.Z{Score: float64(first.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: register repeat job: %w", err)
	}
	return key, nil
}

// RemoveRepeatable deletes a repeat definition by the key AddRepeat
// returned; in-flight instances it already spawned are unaffected.
func (p *Producer) RemoveRepeatable(ctx context.Context, key string) error {
	q := p.queue
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.repeat(), key)
	pipe.Del(ctx, q.keys.repeat()+":"+key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: remove repeat job: %w", err)
	}
	return nil
}

// promoteRepeats pops every repeat definition due to fire, enqueues one job
// instance for each via Producer.Add, and reschedules the definition's next
// occurrence. It respects RepeatSpec.Limit by deleting the definition once
// its iteration budget is spent.
//
// Each due entry is claimed with a ZREM before firing: since the repeat
// zset score is shared state, only the scheduler instance whose ZREM
// actually removes the member goes on to fire it, so redundant schedulers
// (spec 4.5: "multiple are safe but wasteful") race harmlessly against each
// other instead of double-firing the same slot. If firing fails, the slot
// is added back so a later tick retries it.
func (s *Scheduler) promoteRepeats(ctx context.Context, producer *Producer) (int, error) {
	q := s.queue
	now := time.Now()
	due, err := q.client.ZRangeByScoreWithScores(ctx, q.keys.repeat(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan due repeats: %w", err)
	}
	fired := 0
	for _, z := range due {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		dueAt := time.UnixMilli(int64(z.Score))
		removed, err := q.client.ZRem(ctx, q.keys.repeat(), key).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := s.fireRepeat(ctx, producer, key, dueAt); err != nil {
			_ = q.client.ZAdd(ctx, q.keys.repeat(), redis.Z{Score: z.Score, Member: key}).Err()
			continue
		}
		fired++
	}
	return fired, nil
}

func (s *Scheduler) fireRepeat(ctx context.Context, producer *Producer, key string, dueAt time.Time) error {
	q := s.queue
	raw, err := q.client.HGet(ctx, q.keys.repeat()+":"+key, "def").Result()
	if err != nil {
		return fmt.Errorf("queue: load repeat def: %w", err)
	}
	var rec repeatRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("queue: decode repeat def: %w", err)
	}
	opts, err := decodeOpts(string(rec.Opts))
	if err != nil {
		return fmt.Errorf("queue: decode repeat opts: %w", err)
	}
	rec.Count++

	// jobId is deterministic per (repeat key, due slot), per spec 4.2's
	// "resolves repeat-schedule specs into a deterministic jobId ... so
	// repeated invocations are idempotent" — a slot that somehow gets
	// claimed and fired twice still produces exactly one job.
	jobID := key + ":" + strconv.FormatInt(dueAt.UnixMilli(), 10)
	if _, _, err := producer.Add(ctx, rec.Name, rec.Data, JobOptions{
		JobID:            jobID,
		Priority:         opts.Priority,
		Attempts:         opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		GroupKey:         opts.GroupKey,
	}); err != nil {
		return err
	}

	if opts.Repeat.Limit > 0 && rec.Count >= opts.Repeat.Limit {
		return producer.RemoveRepeatable(ctx, key)
	}
	next, err := nextRun(*opts.Repeat, dueAt)
	if err != nil {
		return err
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: re-encode repeat record: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keys.repeat()+":"+key, "def", string(recJSON))
	pipe.ZAdd(ctx, q.keys.repeat(), redis.Z{Score: float64(next.UnixMilli()), Member: key})
	_, err = pipe.Exec(ctx)
	return err
}

package queue

import (
	"context"
	"time"
)

// PeekLimiter reports the current token count and remaining TTL for a rate
// limiter bucket, for tests and operational inspection. group is "" for the
// queue-wide bucket.
func (q *Queue) PeekLimiter(ctx context.Context, group string) (count int64, ttl time.Duration, err error) {
	key := q.keys.limiterGroup(group)
	count, err = q.client.Get(ctx, key).Int64()
	if err != nil {
		return 0, 0, nil //nolint:nilerr // an absent bucket is just "never hit", not an error
	}
	pttl, err := q.client.PTTL(ctx, key).Result()
	if err != nil {
		return count, 0, err
	}
	return count, pttl, nil
}

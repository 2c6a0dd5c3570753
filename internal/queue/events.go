package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one entry read off a queue's events stream (spec 4.7): every
// state transition is XADD'd there. Events are not published on a pub/sub
// channel; the stream is the only record, so a listener that falls behind
// can always replay from the last id it saw.
type Event struct {
	ID        string
	Name      string
	JobID     string
	Timestamp time.Time
	Fields    map[string]string
}

// EventListener is the external emitter/listener facade spec.md keeps out
// of the core state machine: it only reads the events stream the scripts
// already write to, it never drives a transition itself.
type EventListener struct {
	queue *Queue
}

// NewEventListener returns a listener bound to q's events stream.
func NewEventListener(q *Queue) *EventListener {
	return &EventListener{queue: q}
}

// Listen tails the events stream starting just after lastID ("$" to start
// from "now", "0" to replay from the beginning), sending decoded events on
// the returned channel until ctx is cancelled. Listen returns immediately;
// both channels are closed when the background reader stops, which happens
// once ctx is cancelled.
func (l *EventListener) Listen(ctx context.Context, lastID string) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(events)
		defer close(errs)
		streamKey := l.queue.keys.events()

		for {
			if ctx.Err() != nil {
				return
			}
			res, err := l.queue.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, lastID},
				Block:   5 * time.Second,
				Count:   100,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case errs <- fmt.Errorf("queue: events XREAD: %w", err):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					ev := decodeEvent(msg)
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events, errs
}

func decodeEvent(msg redis.XMessage) Event {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	ev := Event{ID: msg.ID, Fields: fields, JobID: fields["jobId"]}
	ev.Name = fields["event"]
	if ms, err := parseStreamIDMillis(msg.ID); err == nil {
		ev.Timestamp = time.UnixMilli(ms)
	}
	return ev
}

// parseStreamIDMillis extracts the millisecond timestamp portion of a Redis
// stream entry id ("<ms>-<seq>"), since XADD with '*' stamps ids from the
// server clock rather than the 'timestamp' field jobs carry.
func parseStreamIDMillis(id string) (int64, error) {
	for i, c := range id {
		if c == '-' {
			return parseInt64(id[:i])
		}
	}
	return parseInt64(id)
}

func parseInt64(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("queue: invalid stream id segment %q", s)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

package queue

import "fmt"

// keyspace builds the canonical `{prefix}:{name}:<suffix>` keys for a single
// queue. The curly braces form a Redis cluster hash tag so every multi-key
// script lands on one shard, per spec section 3.1.
type keyspace struct {
	prefix string
	name   string
	base   string
}

func newKeyspace(prefix, name string) keyspace {
	if prefix == "" {
		prefix = "bull"
	}
	return keyspace{
		prefix: prefix,
		name:   name,
		base:   fmt.Sprintf("{%s:%s}", prefix, name),
	}
}

func (k keyspace) wait() string            { return k.base + ":wait" }
func (k keyspace) paused() string          { return k.base + ":paused" }
func (k keyspace) active() string          { return k.base + ":active" }
func (k keyspace) delayed() string         { return k.base + ":delayed" }
func (k keyspace) priority() string        { return k.base + ":priority" }
func (k keyspace) completed() string       { return k.base + ":completed" }
func (k keyspace) failed() string          { return k.base + ":failed" }
func (k keyspace) waitingChildren() string { return k.base + ":waiting-children" }
func (k keyspace) stalled() string         { return k.base + ":stalled" }
func (k keyspace) stalledCheck() string    { return k.base + ":stalled-check" }
func (k keyspace) limiter() string         { return k.base + ":limiter" }
func (k keyspace) limiterGroup(group string) string {
	if group == "" {
		return k.limiter()
	}
	return k.base + ":limiter:" + group
}
func (k keyspace) id() string                    { return k.base + ":id" }
func (k keyspace) events() string                { return k.base + ":events" }
func (k keyspace) meta() string                   { return k.base + ":meta" }
func (k keyspace) job(jobID string) string       { return k.base + ":" + jobID }
func (k keyspace) jobLogs(jobID string) string   { return k.base + ":" + jobID + ":logs" }
func (k keyspace) jobLock(jobID string) string   { return k.base + ":" + jobID + ":lock" }
func (k keyspace) dependencies(jobID string) string {
	return k.base + ":" + jobID + ":dependencies"
}
func (k keyspace) repeat() string               { return k.base + ":repeat" }
func (k keyspace) metricsData(status string) string {
	return k.base + ":metrics:" + status + ":data"
}
func (k keyspace) metrics(status string) string { return k.base + ":metrics:" + status }

// eventsChannel names a pub/sub channel for lifecycle events; nothing
// publishes on it, since events are written only to the events stream.
func (k keyspace) eventsChannel() string { return k.base + ":events" }

// drainChannel is where Pause, Resume and Drain publish a notice. The Worker
// does not subscribe to it; idle workers notice changes on their next poll.
func (k keyspace) drainChannel() string { return k.base + ":drain" }

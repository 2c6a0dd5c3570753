package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// attachChildScript records a child id against its parent's dependency set
// and, the first time a dependency is attached, moves the parent out of
// wait/paused and into waiting-children (spec 4.6, invariant I4).
//
// KEYS[1] dependencies({parent})  KEYS[2] waitingChildren  KEYS[3] wait
// KEYS[4] paused  KEYS[5] events(stream)
// ARGV[1] childId  ARGV[2] parentId  ARGV[3] nowMS
var attachChildScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
if redis.call('ZSCORE', KEYS[2], ARGV[2]) == false then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
  redis.call('LREM', KEYS[3], 1, ARGV[2])
  redis.call('LREM', KEYS[4], 1, ARGV[2])
  redis.call('XADD', KEYS[5], 'MAXLEN', '~', 2000, '*', 'event', 'waiting-children', 'jobId', ARGV[2])
end
return 1
`)

// resolveDependencyScript removes a completed/failed child from its
// parent's dependency set and, once the set is empty, moves the parent from
// waiting-children back to wait (spec 4.1 moveToCompleted, spec 4.6).
//
// KEYS[1] dependencies({parent})  KEYS[2] waitingChildren  KEYS[3] wait
// KEYS[4] priority  KEYS[5] events(stream)
// ARGV[1] childId  ARGV[2] parentId  ARGV[3] parentPriority
var resolveDependencyScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) > 0 then
  return 0
end
redis.call('DEL', KEYS[1])
if redis.call('ZSCORE', KEYS[2], ARGV[2]) == false then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[2])
local priority = tonumber(ARGV[3])
if priority and priority > 0 then
  redis.call('ZADD', KEYS[4], priority, ARGV[2])
end
redis.call('XADD', KEYS[5], 'MAXLEN', '~', 2000, '*', 'event', 'waiting', 'jobId', ARGV[2])
return 1
`)

// splitParentKey returns the job id portion of a "{queueName}:{jobID}"
// parent reference as stored on Job.ParentKey.
func splitParentKey(parentKey string) (queueName, jobID string) {
	for i := len(parentKey) - 1; i >= 0; i-- {
		if parentKey[i] == ':' {
			return parentKey[:i], parentKey[i+1:]
		}
	}
	return "", parentKey
}

// attachToParent links a newly-added child job to its parent's dependency
// set, promoting the parent into waiting-children if this is its first
// unresolved dependency. Only same-queue parents are handled; a parent in
// another queue is not linked, since that would span two *Queue instances.
func (q *Queue) attachToParent(ctx context.Context, childID string, parent *ParentRef) error {
	if parent == nil {
		return nil
	}
	_, err := attachChildScript.Run(ctx, q.client, []string{
		q.keys.dependencies(parent.JobID), q.keys.waitingChildren(),
		q.keys.wait(), q.keys.paused(), q.keys.events(),
	}, childID, parent.JobID, msNow()).Result()
	if err != nil {
		return fmt.Errorf("queue: attach child to parent: %w", err)
	}
	return nil
}

// resolveParentDependency is called after a child job completes. If the
// job has a ParentKey, it removes itself from the parent's dependency set
// and, if that empties the set, moves the parent back to wait.
func (q *Queue) resolveParentDependency(ctx context.Context, job *Job) error {
	if job.ParentKey == "" {
		return nil
	}
	_, parentID := splitParentKey(job.ParentKey)
	parentJob, err := q.GetJob(ctx, parentID)
	priority := 0
	if err == nil {
		priority = parentJob.Opts.Priority
	}
	_, err = resolveDependencyScript.Run(ctx, q.client, []string{
		q.keys.dependencies(parentID), q.keys.waitingChildren(),
		q.keys.wait(), q.keys.priority(), q.keys.events(),
	}, job.ID, parentID, priority).Result()
	if err != nil {
		return fmt.Errorf("queue: resolve parent dependency: %w", err)
	}
	return nil
}

// failParentDependents cascades a terminal failure to any children this job
// itself is waiting on (nested flows), per spec 4.1: "children in
// waiting-children are moved to failed with reason 'parent failed' unless
// ignoreDependencyOnFailure is set." Spec 4.1's wording on the *direction*
// of this cascade is ambiguous when read against invariant I4 and section
// 4.6; this implementation treats `job` as the parent and cascades to the
// children recorded in its own dependency set.
func (q *Queue) failParentDependents(ctx context.Context, job *Job, reason string) error {
	if job.Opts.IgnoreDependencyOnFailure {
		return nil
	}
	depsKey := q.keys.dependencies(job.ID)
	children, err := q.client.SMembers(ctx, depsKey).Result()
	if err != nil || len(children) == 0 {
		return nil
	}
	now := msNow()
	pipe := q.client.TxPipeline()
	for _, childID := range children {
		childKey := q.keys.job(childID)
		pipe.LRem(ctx, q.keys.wait(), 0, childID)
		pipe.LRem(ctx, q.keys.paused(), 0, childID)
		pipe.LRem(ctx, q.keys.active(), 0, childID)
		pipe.ZRem(ctx, q.keys.delayed(), childID)
		pipe.ZRem(ctx, q.keys.waitingChildren(), childID)
		pipe.HSet(ctx, childKey, "failedReason", reason, "finishedOn", now)
		pipe.ZAdd(ctx, q.keys.failed(), redis.Z{Score: float64(now), Member: childID})
	}
	pipe.Del(ctx, depsKey)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: cascade failure to children: %w", err)
	}
	for range children {
		q.recorder.OnFailed(q.name)
	}
	return nil
}

// FlowNode describes one node of a parent/child job tree for AddFlow.
type FlowNode struct {
	Name     string
	Data     []byte
	Opts     JobOptions
	Children []FlowNode
}

// FlowResult is the job id tree produced by AddFlow, mirroring the input
// shape.
type FlowResult struct {
	JobID    string
	Children []FlowResult
}

// AddFlow performs a post-order walk of the tree: children are enqueued
// first with ParentKey set to the not-yet-created parent's eventual id, and
// the parent is enqueued last with its dependency set already initialized
// and itself placed in waiting-children (spec 4.6).
//
// All nodes are added to the same queue. Cross-queue flows are out of scope
// for the core (spec 1: "the core does not offer cross-queue transactions").
func AddFlow(ctx context.Context, producer *Producer, node FlowNode) (FlowResult, error) {
	parentID := node.Opts.JobID
	if parentID == "" {
		id, err := producer.queue.client.Incr(ctx, producer.queue.keys.id()).Result()
		if err != nil {
			return FlowResult{}, fmt.Errorf("queue: allocate flow parent id: %w", err)
		}
		parentID = fmt.Sprintf("%d", id)
	}

	var childResults []FlowResult
	for _, child := range node.Children {
		childOpts := child.Opts
		childOpts.Parent = &ParentRef{QueueName: producer.queue.name, JobID: parentID}
		childNode := child
		childNode.Opts = childOpts
		res, err := AddFlow(ctx, producer, childNode)
		if err != nil {
			return FlowResult{}, err
		}
		childResults = append(childResults, res)
	}

	parentOpts := node.Opts
	parentOpts.JobID = parentID
	if _, _, err := producer.addResolved(ctx, parentID, node.Name, node.Data, parentOpts); err != nil {
		return FlowResult{}, err
	}
	// If the parent had no children, it behaves like a normal job and is
	// already sitting in wait/delayed; nothing further to do. If it had
	// children, each child's addResolved call already invoked
	// attachToParent, placing the parent into waiting-children.
	return FlowResult{JobID: parentID, Children: childResults}, nil
}

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Handler executes a single job and returns its result value, or an error
// that drives the retry/backoff policy (spec 4.1 moveToFailed).
type Handler func(ctx context.Context, job *Job) ([]byte, error)

// Worker drives the blocking fetch / lock-renewal / graceful-pause loop
// described in spec.md 4.3. Each worker holds its own token, so lock
// ownership checks (invariant I3, P5) are exclusive per worker instance, not
// per process.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	token   string

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu        sync.Mutex
	paused    bool
	resumeCh  chan struct{}
	closing   bool
	closeCh   chan struct{}
}

// NewWorker constructs a worker bound to queue, running handler in
// concurrency parallel slots.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		queue:    q,
		handler:  handler,
		opts:     opts,
		token:    uuid.NewString(),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		resumeCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
}

// Token returns the worker's unique lock-ownership credential.
func (w *Worker) Token() string { return w.token }

// Run starts the main loop until ctx is cancelled or Close is called. Per
// concurrency slot, it repeatedly fetches, processes, and reports a job.
func (w *Worker) Run(ctx context.Context) error {
	heartbeatKey := w.queue.keys.base + ":workers"
	_ = w.queue.client.SAdd(ctx, heartbeatKey, w.token).Err()
	defer func() { _ = w.queue.client.SRem(ctx, heartbeatKey, w.token).Err() }()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case <-w.closeCh:
			w.wg.Wait()
			return ErrClientClosed
		default:
		}

		if w.isPaused() {
			w.awaitResume(ctx)
			continue
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.wg.Wait()
			return ctx.Err()
		}

		job, err := w.GetNextJob(ctx)
		if err != nil {
			w.sem.Release(1)
			if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
				w.wg.Wait()
				return err
			}
			continue
		}
		if job == nil {
			w.sem.Release(1)
			continue
		}

		w.wg.Add(1)
		go w.processSlot(ctx, job)
	}
}

// GetNextJob is a test hook exposing a single fetch attempt (spec.md 6:
// "getNextJob(token) (test hook)"). It internally handles the paused and
// rate-limited replies per spec.md 4.3 steps 2-3, sleeping as directed. On a
// paused, rate-limited or empty reply it sleeps once and then returns a nil
// job with a nil error; a non-nil job is returned only when one was claimed.
func (w *Worker) GetNextJob(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closeCh:
			return nil, ErrClientClosed
		default:
		}

		res, err := w.queue.moveToActiveOnce(ctx, w.token, w.opts.LockDuration, w.opts.Limiter)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case "ok":
			return w.queue.GetJob(ctx, res.JobID)
		case "paused":
			w.blockingSleep(ctx, w.opts.BlockingTimeout)
			return nil, nil
		case "limited":
			delay := res.Delay
			if delay > w.opts.LockRenewTime {
				delay = w.opts.LockRenewTime
			}
			w.queue.recorder.OnRateLimited(w.queue.name, res.Delay)
			if w.opts.Limiter != nil && w.opts.Limiter.WorkerDelay {
				w.blockingSleep(ctx, res.Delay)
			} else {
				w.blockingSleep(ctx, delay)
			}
			return nil, nil
		case "empty":
			w.blockingSleep(ctx, w.opts.BlockingTimeout)
			return nil, nil
		default:
			return nil, ErrScriptError
		}
	}
}

func (w *Worker) blockingSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.closeCh:
	case <-t.C:
	}
}

// processSlot runs the user handler with a concurrent lock-renewal timer, per
// spec.md 4.3 step 4-5. The handler runs synchronously in this slot. Renewal
// failure cancels the processor's context; the slot still waits for the
// handler to return, then discards its result.
func (w *Worker) processSlot(ctx context.Context, job *Job) {
	defer w.wg.Done()
	defer w.sem.Release(1)

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewFailed := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(w.opts.LockRenewTime)
		defer ticker.Stop()
		for {
			select {
			case <-procCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.extendLock(ctx, job.ID, w.token, w.opts.LockDuration); err != nil {
					close(renewFailed)
					cancel()
					return
				}
			}
		}
	}()

	returnValue, procErr := w.handler(procCtx, job)
	cancel()
	<-renewDone

	select {
	case <-renewFailed:
		// Lock already lost; the stall detector will recover this job.
		return
	default:
	}

	if procErr != nil {
		_ = w.queue.moveToFailed(ctx, job.ID, w.token, &UserProcessorError{Err: procErr})
		return
	}
	_ = w.queue.moveToCompleted(ctx, job.ID, w.token, returnValue)
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Worker) awaitResume(ctx context.Context) {
	w.mu.Lock()
	ch := w.resumeCh
	w.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-w.closeCh:
	case <-ch:
	}
}

// Pause sets the local paused flag and awaits all in-flight slots to drain
// before resolving, giving the contract "no jobs active after pause
// resolves" (spec.md P3).
func (w *Worker) Pause(ctx context.Context) error {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

// Resume flips the paused flag and wakes the loop.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		return
	}
	w.paused = false
	close(w.resumeCh)
	w.resumeCh = make(chan struct{})
}

// IsPaused reports the worker's local paused flag.
func (w *Worker) IsPaused() bool { return w.isPaused() }

// Close cancels the blocking fetch, awaits in-flight drainage bounded by
// DrainDelay, then returns. If force is true it does not wait at all.
func (w *Worker) Close(force bool) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	w.mu.Unlock()
	close(w.closeCh)

	if force {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.opts.DrainDelay):
	}
	return nil
}

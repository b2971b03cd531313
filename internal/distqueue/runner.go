package distqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/queue/backoff"
	"github.com/phrazzld/shelf/internal/store"
	"github.com/phrazzld/shelf/internal/workflow"
)

// maxReceiveBackoff caps the delay between mailbox reads while the
// substrate is failing.
const maxReceiveBackoff = 30 * time.Second

// Runner receives job invocations for one queue. Each invocation runs on
// its own goroutine and waits on the queue semaphore before every attempt,
// so Concurrency bounds the whole queue across all runners sharing the
// substrate. Runners of one queue should agree on Concurrency. A runner
// holds at most MaxHeldJobs jobs; the rest of the backlog stays in the
// substrate for whichever runner has room.
type Runner struct {
	backend *Backend
	host    *workflow.Host
	sem     *Semaphore
	queue   string
	exec    queue.Executor
	opts    queue.RunnerOptions
	retry   backoff.Strategy
	lease   time.Duration
	owner   string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	slots  chan struct{}

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	jobs    sync.WaitGroup
}

var _ queue.Runner = (*Runner)(nil)

func newRunner(b *Backend, queueName string, exec queue.Executor, opts queue.RunnerOptions) *Runner {
	retry := opts.Backoff
	if retry == nil {
		retry = backoff.Fixed()
	}

	held := b.opts.MaxHeldJobs
	if held < opts.Concurrency {
		held = opts.Concurrency
	}

	owner := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With("component", "distqueue_runner", "queue", queueName, "runner_id", owner)

	return &Runner{
		backend: b,
		host:    b.host,
		sem:     b.sem,
		queue:   queueName,
		exec:    exec,
		opts:    opts,
		retry:   retry,
		lease:   opts.Timeout + b.opts.ReclaimGrace,
		owner:   owner,
		logger:  log,
		active:  make(map[string]struct{}),
		slots:   make(chan struct{}, held),
		ctx:     logger.WithLogger(ctx, log),
		cancel:  cancel,
	}
}

// Start recovers abandoned jobs of the queue and begins receiving
// invocations.
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return queue.ErrRunnerStarted
	}

	r.reap()

	r.loops.Add(2)
	go r.receiveLoop()
	go r.reapLoop()

	r.logger.Info("runner started",
		"concurrency", r.opts.Concurrency,
		"max_held_jobs", cap(r.slots),
		"timeout", r.opts.Timeout)
	return nil
}

// Stop stops receiving, abandons jobs still waiting for their turn and
// waits for running attempts to settle. Abandoned jobs are picked up again
// by the next runner to start or reap.
func (r *Runner) Stop() {
	if !r.started.Load() {
		return
	}
	r.cancel()
	r.loops.Wait()
	r.jobs.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) receiveLoop() {
	defer r.loops.Done()

	pollErr := backoff.Exponential{Base: 100 * time.Millisecond, Max: maxReceiveBackoff, Jitter: true}
	failures := 0
	topic := mailboxTopic(r.queue)

	for {
		select {
		case r.slots <- struct{}{}:
		case <-r.ctx.Done():
			return
		}

		msg, err := r.backend.sub.Mailbox.Receive(r.ctx, topic)
		if err != nil {
			<-r.slots
			if r.ctx.Err() != nil {
				return
			}
			failures++
			wait := pollErr.Delay(failures)
			r.logger.Error("failed to receive job invocation",
				"error", err,
				"consecutive_failures", failures,
				"retry_in", wait)
			if !r.sleep(wait) {
				return
			}
			continue
		}
		failures = 0
		r.spawn(string(msg))
	}
}

func (r *Runner) reapLoop() {
	defer r.loops.Done()

	ticker := time.NewTicker(r.backend.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap adopts active jobs of the queue that no live runner holds, as many
// as the runner has room for: jobs whose holder's lease ran out and jobs
// whose invocation was lost.
func (r *Runner) reap() {
	records, err := r.backend.records(r.ctx, r.queue)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to scan for abandoned jobs", "error", err)
		}
		return
	}

	now := r.backend.now()
	adopted := 0
	for i := range records {
		if !records[i].claimable(r.owner, now) {
			continue
		}
		if !r.reserve() {
			r.logger.Debug("runner full, leaving abandoned jobs for later",
				"held", cap(r.slots))
			break
		}
		if r.spawn(records[i].ID) {
			adopted++
		}
	}
	if adopted > 0 {
		r.logger.Info("recovering abandoned jobs", "count", adopted)
	}
}

// reserve takes a slot for one more held job if one is free.
func (r *Runner) reserve() bool {
	select {
	case r.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Held returns how many jobs the runner currently holds.
func (r *Runner) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// spawn handles id on a new goroutine unless this runner already is. The
// caller holds a slot, which passes to the goroutine or is freed here.
func (r *Runner) spawn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok || r.ctx.Err() != nil {
		<-r.slots
		return false
	}
	r.active[id] = struct{}{}

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
			<-r.slots
		}()
		r.handle(id)
	}()
	return true
}

// handle drives one job from claim to completion or terminal failure.
func (r *Runner) handle(id string) {
	rec, ok := r.claim(id)
	if !ok {
		return
	}

	stop := r.heartbeat(id)
	defer stop()

	ctx := logger.WithJobID(r.ctx, r.queue, id)
	bg := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	if rec.Waiter != "" {
		// Left behind by a holder that died waiting for or holding a permit.
		if err := r.sem.Release(bg, r.queue, rec.Waiter, r.opts.Concurrency); err != nil {
			log.Error("failed to release permit of abandoned attempt", "error", err)
			r.relinquish(bg, id)
			return
		}
		rec.Waiter = ""
	}
	if rec.Status == queue.StatusRunning {
		if !r.fail(bg, &rec, queue.ErrLeaseExpired) {
			return
		}
	}

	for {
		if !r.sleep(time.Until(rec.AvailableAt)) {
			r.relinquish(bg, id)
			return
		}

		waiter := uuid.NewString()
		if err := r.update(bg, id, func(x *record) { x.Waiter = waiter }); err != nil {
			r.abandon(log, err)
			return
		}

		if err := r.sem.Acquire(ctx, r.queue, waiter, rec.Priority, rec.GroupID, r.opts.Concurrency); err != nil {
			if r.ctx.Err() == nil {
				log.Error("failed to acquire queue permit", "error", err)
			}
			r.relinquish(bg, id)
			return
		}

		now := r.backend.now().UTC()
		err := r.update(bg, id, func(x *record) {
			x.Status = queue.StatusRunning
			x.UpdatedAt = now
		})
		if err != nil {
			r.releasePermit(bg, log, waiter)
			r.abandon(log, err)
			return
		}
		rec.Status = queue.StatusRunning

		attemptErr := queue.Attempt(bg, r.exec, &rec.Job, r.opts)
		r.releasePermit(bg, log, waiter)

		if attemptErr == nil {
			r.complete(bg, log, rec)
			return
		}
		if !r.fail(bg, &rec, attemptErr) {
			return
		}
	}
}

// claim takes ownership of the job if it is active and not held by a live
// runner.
func (r *Runner) claim(id string) (record, bool) {
	var claimed record
	now := r.backend.now().UTC()

	err := workflow.Update(r.ctx, r.host, jobKey(r.queue, id), func(x *record, _ *workflow.Call) error {
		if !x.claimable(r.owner, now) {
			return workflow.ErrSkip
		}
		x.Owner = r.owner
		x.LeaseUntil = now.Add(r.lease)
		claimed = *x
		return nil
	})
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to claim job", "job_id", id, "error", err)
		}
		return record{}, false
	}
	return claimed, claimed.exists()
}

// update applies fn to the job if this runner still owns it.
func (r *Runner) update(ctx context.Context, id string, fn func(*record)) error {
	return workflow.Update(ctx, r.host, jobKey(r.queue, id), func(x *record, _ *workflow.Call) error {
		if !x.ownedBy(r.owner) {
			return store.ErrLeaseLost
		}
		fn(x)
		return nil
	})
}

// heartbeat renews the job's lease until the returned func is called.
func (r *Runner) heartbeat(id string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				until := r.backend.now().UTC().Add(r.lease)
				err := r.update(context.Background(), id, func(x *record) { x.LeaseUntil = until })
				if err != nil && !errors.Is(err, store.ErrLeaseLost) {
					r.logger.Warn("failed to renew job lease", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *Runner) releasePermit(ctx context.Context, log *slog.Logger, waiter string) {
	if err := r.sem.Release(ctx, r.queue, waiter, r.opts.Concurrency); err != nil {
		// The waiter stays on the record and is released on recovery.
		log.Error("failed to release queue permit", "error", err)
	}
}

func (r *Runner) complete(ctx context.Context, log *slog.Logger, rec record) {
	err := workflow.Update(ctx, r.host, jobKey(r.queue, rec.ID), func(x *record, call *workflow.Call) error {
		if !x.ownedBy(r.owner) {
			return store.ErrLeaseLost
		}
		call.Delete()
		return nil
	})
	if err != nil {
		r.abandon(log, err)
		return
	}
	r.exec.Complete(ctx, &rec.Job)
}

// fail records a failed attempt and reports it. It reports whether another
// attempt follows, with rec updated for it.
func (r *Runner) fail(ctx context.Context, rec *record, cause error) bool {
	attempt := rec.Job
	retriesLeft := attempt.RetriesLeft()
	if queue.IsPermanent(cause) {
		retriesLeft = 0
	}
	delay := r.retry.Delay(attempt.RunNumber + 1)
	now := r.backend.now().UTC()

	var next record
	err := workflow.Update(ctx, r.host, jobKey(r.queue, rec.ID), func(x *record, call *workflow.Call) error {
		if !x.ownedBy(r.owner) {
			return store.ErrLeaseLost
		}
		x.Waiter = ""
		x.LastError = cause.Error()
		x.UpdatedAt = now

		switch {
		case retriesLeft > 0:
			x.Status = queue.StatusPendingRetry
			x.RunNumber++
			x.AvailableAt = now.Add(delay)
		case x.KeepFailed:
			x.Status = queue.StatusFailed
			x.Owner = ""
			x.LeaseUntil = time.Time{}
		default:
			call.Delete()
		}
		next = *x
		return nil
	})
	if err != nil {
		r.abandon(logger.FromContext(ctx), err)
		return false
	}

	r.exec.Fail(ctx, &attempt, cause, retriesLeft)
	if retriesLeft == 0 {
		return false
	}
	*rec = next
	return true
}

// relinquish gives up ownership so that a reaper can adopt the job at once.
func (r *Runner) relinquish(ctx context.Context, id string) {
	err := r.update(ctx, id, func(x *record) {
		x.Owner = ""
		x.LeaseUntil = time.Time{}
	})
	if err != nil && !errors.Is(err, store.ErrLeaseLost) {
		r.logger.Warn("failed to relinquish job", "job_id", id, "error", err)
	}
}

func (r *Runner) abandon(log *slog.Logger, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("job taken over by another runner")
		return
	}
	log.Error("failed to record job state; it will be recovered", "error", err)
}

// sleep waits for d or until the runner stops. It reports whether the
// full duration elapsed.
func (r *Runner) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

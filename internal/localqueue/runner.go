package localqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/queue/backoff"
	"github.com/phrazzld/shelf/internal/store"
)

// maxPollBackoff caps the delay between poll attempts while the database is
// failing.
const maxPollBackoff = 30 * time.Second

// Runner polls one queue and executes claimed jobs with bounded concurrency.
type Runner struct {
	backend *Backend
	store   *Store
	queue   string
	exec    queue.Executor
	opts    queue.RunnerOptions
	retry   backoff.Strategy
	pollErr backoff.Strategy
	lease   time.Duration
	logger  *slog.Logger

	inFlight atomic.Int64
	wakeCh   chan struct{}

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
		retry = backoff.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With("component", "localqueue_runner", "queue", queueName)

	return &Runner{
		backend: b,
		store:   b.store,
		queue:   queueName,
		exec:    exec,
		opts:    opts,
		retry:   retry,
		pollErr: backoff.Exponential{Base: opts.PollInterval, Max: maxPollBackoff, Jitter: true},
		lease:   opts.Timeout + b.opts.ReclaimGrace,
		logger:  log,
		wakeCh:  make(chan struct{}, 1),
		ctx:     logger.WithLogger(ctx, log),
		cancel:  cancel,
	}
}

// Start reclaims expired jobs and begins polling.
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return queue.ErrRunnerStarted
	}

	r.backend.register(r)
	r.reap()

	r.loops.Add(2)
	go r.pollLoop()
	go r.reapLoop()

	r.logger.Info("runner started",
		"concurrency", r.opts.Concurrency,
		"poll_interval", r.opts.PollInterval,
		"timeout", r.opts.Timeout)
	return nil
}

// Stop stops claiming new jobs and waits for in-flight attempts to settle.
// Attempts are bounded by the runner timeout, so Stop returns within it.
func (r *Runner) Stop() {
	if !r.started.Load() {
		return
	}
	r.cancel()
	r.loops.Wait()
	r.jobs.Wait()
	r.backend.unregister(r)
	r.logger.Info("runner stopped")
}

// nudge asks the poll loop to look for work immediately.
func (r *Runner) nudge() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Runner) pollLoop() {
	defer r.loops.Done()

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		wait := r.opts.PollInterval

		if free := int64(r.opts.Concurrency) - r.inFlight.Load(); free > 0 {
			claims, err := r.store.Claim(r.ctx, r.queue, int(free), r.lease)
			switch {
			case err != nil && r.ctx.Err() != nil:
				return
			case err != nil:
				failures++
				wait = r.pollErr.Delay(failures)
				r.logger.Error("failed to claim jobs",
					"error", err,
					"consecutive_failures", failures,
					"retry_in", wait)
			default:
				failures = 0
				for _, c := range claims {
					r.dispatch(c)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-r.ctx.Done():
			return
		case <-r.wakeCh:
		case <-timer.C:
		}
	}
}

func (r *Runner) dispatch(c Claim) {
	r.inFlight.Add(1)
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.inFlight.Add(-1)
			r.nudge()
		}()
		r.process(c)
	}()
}

// process runs one attempt and records its outcome. Store calls use a
// context that survives Stop so that a finishing attempt is always recorded.
func (r *Runner) process(c Claim) {
	ctx := context.WithoutCancel(r.ctx)
	ctx = logger.WithJobID(ctx, r.queue, c.Job.ID)
	log := logger.FromContext(ctx)

	err := queue.Attempt(ctx, r.exec, c.Job, r.opts)
	if err == nil {
		if err := r.store.Complete(ctx, c); err != nil {
			r.logReportError(log, "complete", err)
			return
		}
		r.exec.Complete(ctx, c.Job)
		return
	}

	r.fail(ctx, c, err)
}

func (r *Runner) fail(ctx context.Context, c Claim, cause error) {
	delay := r.retry.Delay(c.Job.RunNumber + 1)
	retriesLeft, err := r.store.Fail(ctx, c, cause, delay)
	if err != nil {
		r.logReportError(logger.FromContext(ctx), "fail", err)
		return
	}
	r.exec.Fail(ctx, c.Job, cause, retriesLeft)
}

func (r *Runner) logReportError(log *slog.Logger, op string, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("job claim lost before outcome was recorded", "operation", op)
		return
	}
	// The claim will expire and be reclaimed.
	log.Error("failed to record job outcome", "operation", op, "error", err)
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

// reap fails every expired claim on behalf of its dead holder. Each
// reclaimed job is reported to OnError and retried if it has retries left.
func (r *Runner) reap() {
	expired, err := r.store.Expired(r.ctx, r.queue)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to look up expired jobs", "error", err)
		}
		return
	}
	if len(expired) == 0 {
		return
	}

	r.logger.Info("reclaiming expired jobs", "count", len(expired))
	for _, c := range expired {
		ctx := logger.WithJobID(r.ctx, r.queue, c.Job.ID)
		r.fail(ctx, c, queue.ErrLeaseExpired)
	}
	r.nudge()
}

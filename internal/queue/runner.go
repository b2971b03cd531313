package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/phrazzld/shelf/internal/platform/logger"
)

// Dequeued is a decoded job handed to handlers.
type Dequeued[T any] struct {
	ID        string
	Queue     string
	Data      T
	Priority  int
	GroupID   string
	RunNumber int
}

// DequeuedError is a failed attempt handed to Handlers.OnError.
// NumRetriesLeft is zero on the final call for a job.
type DequeuedError[T any] struct {
	Dequeued[T]
	Err            error
	NumRetriesLeft int
}

// Handlers is the typed logic bound to a queue by NewRunner.
type Handlers[T any] struct {
	// Run performs the work. Returning an error consumes a retry; wrapping
	// it with Permanent skips the remaining retries.
	Run func(ctx context.Context, job *Dequeued[T]) error
	// OnComplete is called after Run succeeds. Its errors and panics are
	// logged and otherwise ignored.
	OnComplete func(ctx context.Context, job *Dequeued[T]) error
	// OnError is called after every failed attempt. Its errors and panics
	// are logged and otherwise ignored.
	OnError func(ctx context.Context, job *DequeuedError[T]) error
	// Validator overrides the queue validator for payloads read back at run
	// time. A failing payload fails the job permanently.
	Validator Validator[T]
}

// NewRunner binds handlers to q on the queue's backend. The returned runner
// does not consume anything until Start is called.
func NewRunner[T any](q *Queue[T], h Handlers[T], opts RunnerOptions) (Runner, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrInvalidQueue)
	}
	if h.Run == nil {
		return nil, ErrNoHandler
	}

	opts = opts.WithDefaults()

	validator := h.Validator
	if validator == nil {
		validator = q.opts.Validator
	}

	exec := &executor[T]{
		queue:     q,
		handlers:  h,
		validator: validator,
		observer:  opts.Observer,
		logger:    opts.Logger.With("queue", q.name, "backend", q.backend.Name()),
	}

	return q.backend.NewRunner(q.name, exec, opts)
}

type executor[T any] struct {
	queue     *Queue[T]
	handlers  Handlers[T]
	validator Validator[T]
	observer  Observer
	logger    *slog.Logger
}

var _ Executor = (*executor[struct{}])(nil)

func (e *executor[T]) dequeued(job *Job) (*Dequeued[T], error) {
	d := &Dequeued[T]{
		ID:        job.ID,
		Queue:     job.Queue,
		Priority:  job.Priority,
		GroupID:   job.GroupID,
		RunNumber: job.RunNumber,
	}

	item, err := e.queue.decode(job.Payload)
	if err != nil {
		return d, &ValidationError{Err: fmt.Errorf("decode: %w", err)}
	}
	d.Data = item

	if e.validator != nil {
		if err := e.validator.Validate(item); err != nil {
			return d, &ValidationError{Err: err}
		}
	}
	return d, nil
}

// Run decodes and validates the payload and invokes the run handler. Panics
// in the handler are converted into errors.
func (e *executor[T]) Run(ctx context.Context, job *Job) (err error) {
	start := time.Now()
	defer func() {
		if e.observer != nil {
			e.observer.ObserveAttempt(job.Queue, time.Since(start), err)
		}
	}()

	d, err := e.dequeued(job)
	if err != nil {
		return Permanent(err)
	}

	ctx = logger.WithJobID(logger.WithLogger(ctx, e.logger), job.Queue, job.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("job handler panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return e.handlers.Run(ctx, d)
}

// Complete reports a successful attempt to OnComplete.
func (e *executor[T]) Complete(ctx context.Context, job *Job) {
	if e.observer != nil {
		e.observer.ObserveOutcome(job.Queue, OutcomeCompleted)
	}

	log := e.logger.With("job_id", job.ID, "run_number", job.RunNumber)
	log.Debug("job completed")

	if e.handlers.OnComplete == nil {
		return
	}

	d, _ := e.dequeued(job)
	e.callback(log, "on_complete", func() error {
		return e.handlers.OnComplete(ctx, d)
	})
}

// Fail reports a failed attempt to OnError.
func (e *executor[T]) Fail(ctx context.Context, job *Job, err error, retriesLeft int) {
	outcome := OutcomeRetried
	if retriesLeft == 0 {
		outcome = OutcomeFailed
	}
	if e.observer != nil {
		e.observer.ObserveOutcome(job.Queue, outcome)
	}

	log := e.logger.With(
		"job_id", job.ID,
		"run_number", job.RunNumber,
		"retries_left", retriesLeft,
	)
	if retriesLeft == 0 {
		log.Error("job failed permanently", "error", err)
	} else {
		log.Warn("job attempt failed", "error", err)
	}

	if e.handlers.OnError == nil {
		return
	}

	d, _ := e.dequeued(job)
	de := &DequeuedError[T]{
		Dequeued:       *d,
		Err:            err,
		NumRetriesLeft: retriesLeft,
	}
	e.callback(log, "on_error", func() error {
		return e.handlers.OnError(ctx, de)
	})
}

// callback runs a lifecycle callback so that neither its error nor a panic
// reaches the runner loop.
func (e *executor[T]) callback(log *slog.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("lifecycle callback panicked", "callback", name, "panic", r)
		}
	}()

	if err := fn(); err != nil {
		log.Error("lifecycle callback failed", "callback", name, "error", err)
	}
}

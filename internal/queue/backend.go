package queue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/phrazzld/shelf/internal/queue/backoff"
)

// Backend is a concrete queue implementation. Every backend offers the same
// enqueue, stats and runner contract.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Enqueue stores a new job and returns its ID. When spec carries an
	// idempotency key matching an active job, no job is created and the
	// existing ID is returned.
	Enqueue(ctx context.Context, spec Spec) (string, error)

	// Stats returns per-status counts for queue.
	Stats(ctx context.Context, queue string) (Stats, error)

	// NewRunner binds exec to queue. The runner does nothing until Start.
	NewRunner(queue string, exec Executor, opts RunnerOptions) (Runner, error)

	// Close releases backend resources. Runners must be stopped first.
	Close() error
}

// Inspector exposes job-level maintenance operations for the admin surface.
// Both bundled backends implement it.
type Inspector interface {
	// GetJob returns a job by ID or an error wrapping store.ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns up to limit jobs of queue in status, highest priority
	// first. An empty status lists every status.
	ListJobs(ctx context.Context, queue string, status Status, limit int) ([]*Job, error)

	// RetryFailed moves every failed job of queue back to pending with a
	// fresh retry budget and returns how many were moved.
	RetryFailed(ctx context.Context, queue string) (int, error)

	// PurgeFailed deletes failed jobs of queue last updated before olderThan
	// and returns how many were deleted.
	PurgeFailed(ctx context.Context, queue string, olderThan time.Time) (int, error)
}

// Runner consumes one queue with bounded concurrency.
type Runner interface {
	// Start begins consuming. It returns ErrRunnerStarted when called twice.
	Start() error
	// Stop stops claiming new jobs and waits for in-flight jobs to settle.
	Stop()
}

// Executor is the payload-agnostic view of a handler set that backends drive.
// NewRunner builds one from typed Handlers.
type Executor interface {
	// Run performs one attempt. Errors wrapping ErrPermanent must not be
	// retried.
	Run(ctx context.Context, job *Job) error
	// Complete is called once after a successful attempt.
	Complete(ctx context.Context, job *Job)
	// Fail is called after every failed attempt with the retries remaining
	// once this failure has been accounted for.
	Fail(ctx context.Context, job *Job, err error, retriesLeft int)
}

// Outcome is the result of one attempt as reported to an Observer.
type Outcome string

// Attempt outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
)

// Observer receives runner events for metrics.
type Observer interface {
	ObserveAttempt(queue string, d time.Duration, err error)
	ObserveOutcome(queue string, outcome Outcome)
}

// Default runner settings.
const (
	DefaultConcurrency  = 1
	DefaultPollInterval = time.Second
	DefaultTimeout      = 60 * time.Second
)

// RunnerOptions configures a runner.
type RunnerOptions struct {
	// Concurrency is the hard ceiling on simultaneously running attempts.
	Concurrency int
	// PollInterval is how often a polling backend looks for work.
	PollInterval time.Duration
	// Timeout bounds a single attempt. The handler context is cancelled at
	// the deadline, but a handler that ignores it keeps running in the
	// background while its slot is released.
	Timeout time.Duration
	// Backoff spaces retries. Each backend has its own default.
	Backoff backoff.Strategy
	// Observer, when set, receives attempt and outcome events.
	Observer Observer
	// Tracer overrides the global OpenTelemetry tracer.
	Tracer trace.Tracer
	// Logger overrides the logger carried by the start context.
	Logger *slog.Logger
}

// WithDefaults returns a copy of o with zero fields set to their defaults.
// Backoff is left nil for the backend to choose.
func (o RunnerOptions) WithDefaults() RunnerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

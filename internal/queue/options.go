package queue

import "time"

// DefaultNumRetries is the retry budget of queues created with DefaultOptions.
const DefaultNumRetries = 3

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	// Priority orders jobs within a queue; lower values run first.
	Priority int
	// Delay postpones the first attempt.
	Delay time.Duration
	// IdempotencyKey collapses enqueues onto an existing active job.
	IdempotencyKey string
	// GroupID partitions jobs for fairness, for example per user.
	GroupID string
}

// EnqueueOption is a functional option for Enqueue.
type EnqueueOption func(*EnqueueOptions)

// WithPriority sets the job priority (lower = processed sooner).
func WithPriority(priority int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Priority = priority
	}
}

// WithDelay delays the first attempt by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

// WithIdempotencyKey makes the enqueue a no-op while another job with the
// same key is pending, running or awaiting retry.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.IdempotencyKey = key
	}
}

// WithGroupID assigns the job to a fairness group.
func WithGroupID(groupID string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.GroupID = groupID
	}
}

func applyEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	var options EnqueueOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Options holds the defaults shared by every job of a queue.
type Options[T any] struct {
	// NumRetries is the number of retries after the first attempt.
	NumRetries int
	// KeepFailedJobs retains terminally failed jobs for inspection instead
	// of deleting them.
	KeepFailedJobs bool
	// Validator, when set, is applied on enqueue and again before each run.
	Validator Validator[T]
	// Codec encodes payloads. JSONCodec is used when nil.
	Codec Codec
}

// DefaultOptions returns three retries with failed jobs kept.
func DefaultOptions[T any]() Options[T] {
	return Options[T]{
		NumRetries:     DefaultNumRetries,
		KeepFailedJobs: true,
	}
}

package queue

import (
	"context"
	"fmt"
	"strings"
)

// Queue is a named, typed channel of work bound to a backend. All jobs of a
// queue share the payload type T.
type Queue[T any] struct {
	name    string
	backend Backend
	opts    Options[T]
	codec   Codec
}

// New creates a typed queue named name on backend.
func New[T any](name string, backend Backend, opts Options[T]) (*Queue[T], error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: queue name must not be empty", ErrInvalidQueue)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend must not be nil", ErrInvalidQueue)
	}
	if opts.NumRetries < 0 {
		return nil, fmt.Errorf("%w: negative retry count %d", ErrInvalidQueue, opts.NumRetries)
	}

	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}

	return &Queue[T]{
		name:    name,
		backend: backend,
		opts:    opts,
		codec:   codec,
	}, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Backend returns the backend the queue is bound to.
func (q *Queue[T]) Backend() Backend { return q.backend }

// Options returns the queue defaults.
func (q *Queue[T]) Options() Options[T] { return q.opts }

// Enqueue validates and encodes payload and stores it as a new job. A
// validation failure is returned as *ValidationError and nothing is stored.
func (q *Queue[T]) Enqueue(ctx context.Context, payload T, opts ...EnqueueOption) (string, error) {
	if q.opts.Validator != nil {
		if err := q.opts.Validator.Validate(payload); err != nil {
			return "", &ValidationError{Err: err}
		}
	}

	data, err := q.codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for queue %s: %w", q.name, err)
	}

	eo := applyEnqueueOptions(opts)
	if eo.Delay < 0 {
		eo.Delay = 0
	}

	id, err := q.backend.Enqueue(ctx, Spec{
		Queue:          q.name,
		Payload:        data,
		Priority:       eo.Priority,
		Delay:          eo.Delay,
		IdempotencyKey: eo.IdempotencyKey,
		GroupID:        eo.GroupID,
		NumRetries:     q.opts.NumRetries,
		KeepFailed:     q.opts.KeepFailedJobs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job on %s: %w", q.name, err)
	}
	return id, nil
}

// Stats returns per-status job counts for the queue.
func (q *Queue[T]) Stats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx, q.name)
}

func (q *Queue[T]) decode(data []byte) (T, error) {
	var item T
	err := q.codec.Unmarshal(data, &item)
	return item, err
}

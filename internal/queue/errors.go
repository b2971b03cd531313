package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks a failure that must not be retried. Both backends
	// drop the remaining retry budget to zero when a handler error wraps it.
	ErrPermanent = errors.New("permanent job failure")

	// ErrTimeout is reported when an attempt outlives the runner timeout.
	ErrTimeout = errors.New("job attempt timed out")

	// ErrLeaseExpired is reported to OnError for a job whose runner stopped
	// reporting before its lease ran out. Another runner recovered it.
	ErrLeaseExpired = errors.New("job lease expired before completion")

	// ErrNotConfigured is returned by a Provider whose backend has no
	// configuration in this process.
	ErrNotConfigured = errors.New("queue backend not configured")

	// ErrRunnerStarted is returned when Start is called twice.
	ErrRunnerStarted = errors.New("runner already started")

	// ErrInvalidQueue is returned for an empty queue name or nil backend.
	ErrInvalidQueue = errors.New("invalid queue definition")

	// ErrNoHandler is returned by NewRunner when Handlers.Run is nil.
	ErrNoHandler = errors.New("runner requires a run handler")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so that the job fails without consuming further
// retries. A nil err yields ErrPermanent itself.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, is permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ValidationError reports a payload that failed its validator. On enqueue it
// is returned to the caller; at run time it is wrapped with Permanent.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/shelf/internal/store"
)

var (
	// ErrNotFound is returned by StateStore.Get for keys without state.
	ErrNotFound = fmt.Errorf("%w: workflow state", store.ErrNotFound)

	// ErrSkip may be returned from an Invoke function to end the call
	// without persisting state or delivering signals. Invoke returns nil.
	ErrSkip = errors.New("workflow: skip")
)

// Unlock releases a lock taken with StateStore.Lock.
type Unlock func(ctx context.Context) error

// StateStore holds the durable state of virtual objects.
type StateStore interface {
	// Get returns the state stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the state stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Lock blocks until the caller holds key's lock or ctx ends. A lock not
	// released within ttl may be taken by another caller.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// Signals are one-shot rendezvous points, the substrate's awakeables. A
// resolution delivered before anyone awaits it is kept until awaited or
// forgotten.
type Signals interface {
	// Await blocks until id is resolved and returns its payload.
	Await(ctx context.Context, id string) ([]byte, error)
	// Resolve resolves id. Resolving twice keeps the first payload.
	Resolve(ctx context.Context, id string, payload []byte) error
	// Forget discards id and any pending resolution.
	Forget(ctx context.Context, id string) error
}

// Mailbox dispatches invocations to whichever process receives them first.
type Mailbox interface {
	// Send appends msg to topic.
	Send(ctx context.Context, topic string, msg []byte) error
	// Receive blocks until a message is available on topic or ctx ends.
	Receive(ctx context.Context, topic string) ([]byte, error)
}

// Substrate bundles the three primitives. Closer, when set, releases the
// connections behind them.
type Substrate struct {
	State   StateStore
	Signals Signals
	Mailbox Mailbox
	Closer  func() error
}

// Close calls Closer when set.
func (s Substrate) Close() error {
	if s.Closer == nil {
		return nil
	}
	return s.Closer()
}

// Validate reports whether every primitive is present.
func (s Substrate) Validate() error {
	switch {
	case s.State == nil:
		return errors.New("workflow: substrate has no state store")
	case s.Signals == nil:
		return errors.New("workflow: substrate has no signals")
	case s.Mailbox == nil:
		return errors.New("workflow: substrate has no mailbox")
	}
	return nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/phrazzld/shelf/internal/platform/logger"
)

// DefaultLockTTL bounds how long a crashed caller can block a key.
const DefaultLockTTL = 10 * time.Second

// Host runs serialized calls against virtual objects.
type Host struct {
	state   StateStore
	signals Signals
	lockTTL time.Duration
}

// NewHost returns a Host over state and signals. A non-positive lockTTL
// selects DefaultLockTTL.
func NewHost(state StateStore, signals Signals, lockTTL time.Duration) *Host {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Host{
		state:   state,
		signals: signals,
		lockTTL: lockTTL,
	}
}

// State returns the host's state store for lock-free reads.
func (h *Host) State() StateStore { return h.state }

// Signals returns the host's signals.
func (h *Host) Signals() Signals { return h.signals }

type resolution struct {
	id      string
	payload []byte
}

// Call is the view of one virtual object inside an Invoke function.
type Call struct {
	key         string
	state       []byte
	changed     bool
	deleted     bool
	resolutions []resolution
}

// Key returns the object key.
func (c *Call) Key() string { return c.key }

// State returns the current state, nil for a new object.
func (c *Call) State() []byte { return c.state }

// SetState replaces the state persisted when the call returns.
func (c *Call) SetState(state []byte) {
	c.state = state
	c.changed = true
	c.deleted = false
}

// Delete removes the object when the call returns.
func (c *Call) Delete() {
	c.state = nil
	c.changed = true
	c.deleted = true
}

// Deleted reports whether Delete was called.
func (c *Call) Deleted() bool { return c.deleted }

// Resolve queues a signal resolution, delivered after the state is
// persisted and the lock released.
func (c *Call) Resolve(id string, payload []byte) {
	c.resolutions = append(c.resolutions, resolution{id: id, payload: payload})
}

// Invoke runs fn exclusively on key: lock, load, fn, persist, unlock, then
// deliver signals. If fn returns an error nothing is persisted or delivered.
func (h *Host) Invoke(ctx context.Context, key string, fn func(*Call) error) error {
	unlock, err := h.state.Lock(ctx, key, h.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}

	// Once the lock is held the call runs to completion regardless of ctx.
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	call, err := h.run(ctx, key, fn)
	if uerr := unlock(ctx); uerr != nil {
		log.Warn("failed to release object lock", "key", key, "error", uerr)
	}
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return nil
		}
		return err
	}

	for _, r := range call.resolutions {
		if err := h.signals.Resolve(ctx, r.id, r.payload); err != nil {
			return fmt.Errorf("failed to resolve signal %s for %s: %w", r.id, key, err)
		}
	}
	return nil
}

func (h *Host) run(ctx context.Context, key string, fn func(*Call) error) (*Call, error) {
	state, err := h.state.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	call := &Call{key: key, state: state}
	if err := fn(call); err != nil {
		return nil, err
	}

	if !call.changed {
		return call, nil
	}
	if call.deleted {
		err = h.state.Delete(ctx, key)
	} else {
		err = h.state.Put(ctx, key, call.state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return call, nil
}

// Update runs fn on the JSON-decoded state of key under Invoke and persists
// the result. S starts as its zero value for a new object. Calling
// call.Delete inside fn removes the object instead.
func Update[S any](ctx context.Context, h *Host, key string, fn func(state *S, call *Call) error) error {
	return h.Invoke(ctx, key, func(call *Call) error {
		var state S
		if raw := call.State(); raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}

		if err := fn(&state, call); err != nil {
			return err
		}
		if call.Deleted() {
			return nil
		}

		data, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		call.SetState(data)
		return nil
	})
}

// Load reads and decodes the state of key without taking its lock.
func Load[S any](ctx context.Context, state StateStore, key string) (S, error) {
	var s S
	raw, err := state.Get(ctx, key)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return s, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/shelf/internal/workflow"
)

// DefaultSignalTTL bounds how long an unclaimed resolution is kept.
const DefaultSignalTTL = 24 * time.Hour

// subscribeTimeout bounds waiting for Redis to confirm the signal
// subscription.
const subscribeTimeout = 10 * time.Second

// ErrSignalsClosed is returned by Await once the Signals is closed.
var ErrSignalsClosed = errors.New("redis: signals closed")

// resolveScript stores the first resolution only and announces it.
var resolveScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	redis.call("PUBLISH", KEYS[2], "1")
end
return 1
`)

// Signals implements workflow.Signals. A resolution is stored under the
// signal key and announced on a channel of the same name. Every Await of a
// Signals shares one pattern subscription, so the number of Redis
// connections does not grow with the number of waiters. An announcement
// only wakes the waiter, which then reads the key; announcements lost
// while the subscription reconnects are covered by waking every waiter
// once it is back.
type Signals struct {
	client goredis.UniversalClient
	keys   keyspace
	ttl    time.Duration

	subMu sync.Mutex

	mu      sync.Mutex
	pubsub  *goredis.PubSub
	waiters map[string]map[chan struct{}]struct{}
	closed  bool
}

var _ workflow.Signals = (*Signals)(nil)

// NewSignals returns Signals writing keys under prefix. Close releases its
// subscription.
func NewSignals(client goredis.UniversalClient, prefix string, ttl time.Duration) *Signals {
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	return &Signals{
		client:  client,
		keys:    keyspace{prefix: prefix},
		ttl:     ttl,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// Await implements workflow.Signals.
func (s *Signals) Await(ctx context.Context, id string) ([]byte, error) {
	wake, err := s.watch(id)
	if err != nil {
		return nil, err
	}
	defer s.unwatch(id, wake)

	// The subscription must be confirmed before looking at the key.
	if err := s.subscribe(ctx); err != nil {
		return nil, err
	}

	for {
		payload, ok, err := s.take(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, open := <-wake:
			if !open {
				return nil, ErrSignalsClosed
			}
		}
	}
}

// Waiting returns how many Await calls are in progress.
func (s *Signals) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.waiters {
		n += len(set)
	}
	return n
}

func (s *Signals) watch(id string) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSignalsClosed
	}
	wake := make(chan struct{}, 1)
	set, ok := s.waiters[id]
	if !ok {
		set = make(map[chan struct{}]struct{})
		s.waiters[id] = set
	}
	set[wake] = struct{}{}
	return wake, nil
}

func (s *Signals) unwatch(id string, wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.waiters[id]
	if !ok {
		return
	}
	delete(set, wake)
	if len(set) == 0 {
		delete(s.waiters, id)
	}
}

// subscribe opens the shared pattern subscription unless it is open.
func (s *Signals) subscribe(ctx context.Context) error {
	s.mu.Lock()
	ready, closed := s.pubsub != nil, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSignalsClosed
	}
	if ready {
		return nil
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	ready = s.pubsub != nil
	s.mu.Unlock()
	if ready {
		return nil
	}

	ps := s.client.PSubscribe(context.WithoutCancel(ctx), s.keys.signalPattern())
	confirmCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("redis: subscribe signals: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return ErrSignalsClosed
	}
	s.pubsub = ps
	s.mu.Unlock()

	go s.dispatch(ps.ChannelWithSubscriptions())
	return nil
}

// dispatch wakes the waiters of each announced signal until the
// subscription is closed.
func (s *Signals) dispatch(ch <-chan interface{}) {
	prefix := s.keys.signalChannel("")
	for msg := range ch {
		switch m := msg.(type) {
		case *goredis.Message:
			s.notify(strings.TrimPrefix(m.Channel, prefix))
		case *goredis.Subscription:
			// Resubscribed after a reconnect.
			s.notifyAll()
		}
	}
}

func (s *Signals) notify(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wake := range s.waiters[id] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (s *Signals) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.waiters {
		for wake := range set {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// take reads and removes a stored resolution.
func (s *Signals) take(ctx context.Context, id string) ([]byte, bool, error) {
	v, err := s.client.GetDel(ctx, s.keys.signalKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: read signal %s: %w", id, err)
	}
	return v, true, nil
}

// Resolve implements workflow.Signals.
func (s *Signals) Resolve(ctx context.Context, id string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	err := resolveScript.Run(ctx, s.client,
		[]string{s.keys.signalKey(id), s.keys.signalChannel(id)},
		payload, s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: resolve signal %s: %w", id, err)
	}
	return nil
}

// Forget implements workflow.Signals.
func (s *Signals) Forget(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.keys.signalKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: forget signal %s: %w", id, err)
	}
	return nil
}

// Close ends every pending Await with ErrSignalsClosed and drops the
// subscription. It does not close the client.
func (s *Signals) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, set := range s.waiters {
		for wake := range set {
			close(wake)
		}
		delete(s.waiters, id)
	}
	ps := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Close()
}

package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewMemory returns a process-local substrate.
func NewMemory() Substrate {
	return Substrate{
		State:   NewMemoryStateStore(),
		Signals: NewMemorySignals(),
		Mailbox: NewMemoryMailbox(),
	}
}

// MemoryStateStore is an in-process StateStore. Lock TTLs are not enforced
// since a holder cannot outlive the process.
type MemoryStateStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	locks map[string]*memoryLock
}

// memoryLock is dropped from the store once nobody holds or awaits it.
type memoryLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		data:  make(map[string][]byte),
		locks: make(map[string]*memoryLock),
	}
}

// Get implements StateStore.
func (m *MemoryStateStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements StateStore.
func (m *MemoryStateStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements StateStore.
func (m *MemoryStateStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements StateStore.
func (m *MemoryStateStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock implements StateStore.
func (m *MemoryStateStore) Lock(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &memoryLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
		return nil
	}, nil
}

func (m *MemoryStateStore) release(key string, l *memoryLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(m.locks, key)
	}
}

// Locks returns how many keys are locked or awaited.
func (m *MemoryStateStore) Locks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// MemorySignals is an in-process Signals.
type MemorySignals struct {
	mu      sync.Mutex
	signals map[string]*memorySignal
}

type memorySignal struct {
	done     chan struct{}
	payload  []byte
	resolved bool
}

// NewMemorySignals returns an empty signal table.
func NewMemorySignals() *MemorySignals {
	return &MemorySignals{signals: make(map[string]*memorySignal)}
}

func (m *MemorySignals) signal(id string) *memorySignal {
	s, ok := m.signals[id]
	if !ok {
		s = &memorySignal{done: make(chan struct{})}
		m.signals[id] = s
	}
	return s
}

// Await implements Signals.
func (m *MemorySignals) Await(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	s := m.signal(id)
	m.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if m.signals[id] == s {
		delete(m.signals, id)
	}
	m.mu.Unlock()
	return s.payload, nil
}

// Resolve implements Signals.
func (m *MemorySignals) Resolve(_ context.Context, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.signal(id)
	if s.resolved {
		return nil
	}
	s.payload = payload
	s.resolved = true
	close(s.done)
	return nil
}

// Forget implements Signals.
func (m *MemorySignals) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, id)
	return nil
}

// Pending returns the number of signals not yet awaited or forgotten.
func (m *MemorySignals) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signals)
}

// MemoryMailbox is an in-process Mailbox with unbounded FIFO topics.
type MemoryMailbox struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
}

type memoryTopic struct {
	msgs [][]byte
	// ready is closed and replaced whenever a message arrives.
	ready chan struct{}
}

// NewMemoryMailbox returns an empty mailbox.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{topics: make(map[string]*memoryTopic)}
}

func (m *MemoryMailbox) topic(name string) *memoryTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{ready: make(chan struct{})}
		m.topics[name] = t
	}
	return t
}

// Send implements Mailbox.
func (m *MemoryMailbox) Send(_ context.Context, topic string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	t.msgs = append(t.msgs, append([]byte(nil), msg...))
	close(t.ready)
	t.ready = make(chan struct{})
	return nil
}

// Receive implements Mailbox.
func (m *MemoryMailbox) Receive(ctx context.Context, topic string) ([]byte, error) {
	for {
		m.mu.Lock()
		t := m.topic(topic)
		if len(t.msgs) > 0 {
			msg := t.msgs[0]
			t.msgs[0] = nil
			t.msgs = t.msgs[1:]
			m.mu.Unlock()
			return msg, nil
		}
		ready := t.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

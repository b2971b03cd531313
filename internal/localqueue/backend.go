package localqueue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/shelf/internal/queue"
)

// Default settings for crash recovery.
const (
	DefaultReclaimGrace = 30 * time.Second
	DefaultReapInterval = 30 * time.Second
)

// Options configures a Backend.
type Options struct {
	// ReclaimGrace is added to the runner timeout to form a claim's lease.
	// A claim still running past its lease belongs to a runner that died,
	// and any runner of the queue may fail it on the holder's behalf.
	ReclaimGrace time.Duration
	// ReapInterval is how often runners look for expired claims.
	ReapInterval time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReclaimGrace <= 0 {
		o.ReclaimGrace = DefaultReclaimGrace
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Backend is the SQL-backed queue backend. It implements queue.Backend and
// queue.Inspector.
type Backend struct {
	db      DB
	dialect Dialect
	store   *Store
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	wakers map[string]map[*Runner]struct{}
}

var (
	_ queue.Backend   = (*Backend)(nil)
	_ queue.Inspector = (*Backend)(nil)
)

// New returns a Backend over db. The schema must already be migrated. The
// backend takes ownership of db and closes it in Close.
func New(db DB, dialect Dialect, opts Options) *Backend {
	opts = opts.withDefaults()
	return &Backend{
		db:      db,
		dialect: dialect,
		store:   NewStore(db, dialect),
		opts:    opts,
		logger:  opts.Logger.With("component", "localqueue", "dialect", dialect.Name()),
		wakers:  make(map[string]map[*Runner]struct{}),
	}
}

// Name identifies the backend and its dialect.
func (b *Backend) Name() string {
	return "local/" + b.dialect.Name()
}

// Store exposes the underlying job store.
func (b *Backend) Store() *Store {
	return b.store
}

// Enqueue stores a job and nudges this process's runners for the queue.
func (b *Backend) Enqueue(ctx context.Context, spec queue.Spec) (string, error) {
	id, created, err := b.store.Enqueue(ctx, spec)
	if err != nil {
		return "", err
	}
	if created && spec.Delay == 0 {
		b.wake(spec.Queue)
	}
	return id, nil
}

// Stats returns per-status counts for queueName.
func (b *Backend) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	return b.store.Stats(ctx, queueName)
}

// NewRunner returns a polling runner for queueName.
func (b *Backend) NewRunner(queueName string, exec queue.Executor, opts queue.RunnerOptions) (queue.Runner, error) {
	if exec == nil {
		return nil, fmt.Errorf("localqueue: nil executor")
	}
	return newRunner(b, queueName, exec, opts.WithDefaults()), nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	if c, ok := b.db.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// GetJob returns a job by ID.
func (b *Backend) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	return b.store.Get(ctx, id)
}

// ListJobs lists jobs of queueName in dispatch order.
func (b *Backend) ListJobs(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error) {
	return b.store.List(ctx, queueName, status, limit)
}

// RetryFailed requeues the failed jobs of queueName.
func (b *Backend) RetryFailed(ctx context.Context, queueName string) (int, error) {
	n, err := b.store.RetryFailed(ctx, queueName)
	if err == nil && n > 0 {
		b.wake(queueName)
	}
	return n, err
}

// PurgeFailed deletes failed jobs of queueName older than olderThan.
func (b *Backend) PurgeFailed(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	return b.store.PurgeFailed(ctx, queueName, olderThan)
}

func (b *Backend) register(r *Runner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.wakers[r.queue]
	if !ok {
		set = make(map[*Runner]struct{})
		b.wakers[r.queue] = set
	}
	set[r] = struct{}{}
}

func (b *Backend) unregister(r *Runner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.wakers[r.queue], r)
}

func (b *Backend) wake(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.wakers[queueName] {
		r.nudge()
	}
}

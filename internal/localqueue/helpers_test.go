package localqueue

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/shelf/internal/platform/migrations"
	"github.com/phrazzld/shelf/internal/platform/sqlite"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/queue/backoff"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value int `json:"value" validate:"gte=0"`
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "queue.db"), slog.Default())
	require.NoError(t, err)

	m, err := migrations.New(db, "sqlite", nil)
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx))

	b := New(db, sqlite.Dialect{}, Options{ReapInterval: 50 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestQueue(t *testing.T, b *Backend, opts queue.Options[payload]) *queue.Queue[payload] {
	t.Helper()
	q, err := queue.New[payload]("test", b, opts)
	require.NoError(t, err)
	return q
}

func fastRunnerOptions(concurrency int) queue.RunnerOptions {
	return queue.RunnerOptions{
		Concurrency:  concurrency,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
		Backoff:      backoff.Constant(0),
	}
}

func startRunner(t *testing.T, q *queue.Queue[payload], h queue.Handlers[payload], opts queue.RunnerOptions) queue.Runner {
	t.Helper()
	r, err := queue.NewRunner(q, h, opts)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func waitDrained(t *testing.T, q *queue.Queue[payload]) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Drained()
	}, 10*time.Second, 10*time.Millisecond)
}

// recorder collects handler events across goroutines.
type recorder struct {
	mu          sync.Mutex
	values      []int
	retriesLeft []int
	errs        []error
	completed   []string
}

func (r *recorder) run(_ context.Context, job *queue.Dequeued[payload]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, job.Data.Value)
	return nil
}

func (r *recorder) onComplete(_ context.Context, job *queue.Dequeued[payload]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, job.ID)
	return nil
}

func (r *recorder) onError(_ context.Context, job *queue.DequeuedError[payload]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retriesLeft = append(r.retriesLeft, job.NumRetriesLeft)
	r.errs = append(r.errs, job.Err)
	return nil
}

func (r *recorder) snapshot() (values, retriesLeft []int, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...),
		append([]int(nil), r.retriesLeft...),
		append([]error(nil), r.errs...)
}

// waitCallbacks blocks until at least completed OnComplete and failed OnError
// calls were observed. Callbacks fire after the store records the outcome,
// so a drained queue does not imply they have run.
func (r *recorder) waitCallbacks(t *testing.T, completed, failed int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.completed) >= completed && len(r.errs) >= failed
	}, 10*time.Second, 5*time.Millisecond)
}

package distqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/queue/backoff"
	"github.com/phrazzld/shelf/internal/workflow"
)

type payload struct {
	Value int `json:"value"`
}

func newTestBackend(t *testing.T) (*Backend, workflow.Substrate) {
	t.Helper()
	sub := workflow.NewMemory()
	return newTestBackendOn(t, sub), sub
}

func newTestBackendOn(t *testing.T, sub workflow.Substrate) *Backend {
	t.Helper()
	return newTestBackendWith(t, sub, Options{})
}

// newTestBackendWith fills in fast recovery settings unless opts sets them.
func newTestBackendWith(t *testing.T, sub workflow.Substrate, opts Options) *Backend {
	t.Helper()
	if opts.ReclaimGrace == 0 {
		opts.ReclaimGrace = time.Second
	}
	if opts.ReapInterval == 0 {
		opts.ReapInterval = 50 * time.Millisecond
	}
	b, err := New(sub, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestQueue(t *testing.T, b queue.Backend, opts queue.Options[payload]) *queue.Queue[payload] {
	t.Helper()
	q, err := queue.New[payload]("test", b, opts)
	require.NoError(t, err)
	return q
}

func fastRunnerOptions(concurrency int) queue.RunnerOptions {
	return queue.RunnerOptions{
		Concurrency: concurrency,
		Timeout:     2 * time.Second,
		Backoff:     backoff.Constant(0),
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

// waitWaiting blocks until n waiters are queued on the queue's semaphore.
func waitWaiting(t *testing.T, b *Backend, queueName string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := b.Semaphore().State(context.Background(), queueName)
		return err == nil && len(st.Items) == n
	}, 10*time.Second, 5*time.Millisecond)
}

// recorder collects handler events across goroutines.
type recorder struct {
	mu          sync.Mutex
	values      []int
	groups      []string
	retriesLeft []int
	errs        []error
	completed   int
}

func (r *recorder) run(_ context.Context, job *queue.Dequeued[payload]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, job.Data.Value)
	r.groups = append(r.groups, job.GroupID)
	return nil
}

func (r *recorder) onComplete(context.Context, *queue.Dequeued[payload]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
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

// waitCallbacks blocks until at least completed OnComplete and failed
// OnError calls were observed.
func (r *recorder) waitCallbacks(t *testing.T, completed, failed int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.completed >= completed && len(r.errs) >= failed
	}, 10*time.Second, 5*time.Millisecond)
}

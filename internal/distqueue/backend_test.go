package distqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/store"
	"github.com/phrazzld/shelf/internal/workflow"
)

func TestJobIDFromIdempotencyKey(t *testing.T) {
	assert.Equal(t, jobID("q", "k"), jobID("q", "k"))
	assert.Len(t, jobID("q", "k"), 32)
	assert.NotEqual(t, jobID("q", "k"), jobID("other", "k"))
	assert.NotEqual(t, jobID("q", "k"), jobID("q", "k2"))
	assert.NotEqual(t, jobID("q", ""), jobID("q", ""))
}

func TestEnqueueStoresAndDispatches(t *testing.T) {
	b, sub := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, queue.Spec{
		Queue:      "test",
		Payload:    []byte(`{"value":1}`),
		Priority:   3,
		GroupID:    "g",
		NumRetries: 2,
		KeepFailed: true,
		Delay:      time.Minute,
	})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, "g", job.GroupID)
	assert.True(t, job.AvailableAt.After(time.Now().Add(30*time.Second)))

	msg, err := sub.Mailbox.Receive(ctx, "queue/test")
	require.NoError(t, err)
	assert.Equal(t, id, string(msg))
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	b, sub := newTestBackend(t)
	ctx := context.Background()
	spec := queue.Spec{Queue: "test", Payload: []byte(`{"value":200}`), IdempotencyKey: "k", KeepFailed: true}

	first, err := b.Enqueue(ctx, spec)
	require.NoError(t, err)
	second, err := b.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := b.Stats(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	_, err = sub.Mailbox.Receive(ctx, "queue/test")
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = sub.Mailbox.Receive(short, "queue/test")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "duplicate enqueue is not dispatched")

	// A failed job no longer holds its key.
	require.NoError(t, workflow.Update(ctx, b.host, jobKey("test", first), func(r *record, _ *workflow.Call) error {
		r.Status = queue.StatusFailed
		return nil
	}))
	third, err := b.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	job, err := b.GetJob(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
}

func TestEnqueueRejectsSlashInQueueName(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.Enqueue(context.Background(), queue.Spec{Queue: "a/b", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, queue.ErrInvalidQueue)
}

func TestNewRequiresCompleteSubstrate(t *testing.T) {
	_, err := New(workflow.Substrate{}, Options{})
	assert.Error(t, err)
}

func seedRecord(t *testing.T, b *Backend, r record) {
	t.Helper()
	require.NoError(t, workflow.Update(context.Background(), b.host, jobKey(r.Queue, r.ID), func(x *record, _ *workflow.Call) error {
		*x = r
		return nil
	}))
}

func TestInspector(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for _, r := range []record{
		{Job: queue.Job{ID: "p1", Queue: "test", Status: queue.StatusPending, Priority: 2, CreatedAt: old}},
		{Job: queue.Job{ID: "p2", Queue: "test", Status: queue.StatusPending, Priority: -1, CreatedAt: old.Add(time.Second)}},
		{Job: queue.Job{ID: "r1", Queue: "test", Status: queue.StatusRunning, CreatedAt: old}},
		{Job: queue.Job{ID: "f1", Queue: "test", Status: queue.StatusFailed, RunNumber: 3, LastError: "boom", UpdatedAt: old}},
		{Job: queue.Job{ID: "f2", Queue: "test", Status: queue.StatusFailed, UpdatedAt: time.Now()}},
		{Job: queue.Job{ID: "x1", Queue: "other", Status: queue.StatusFailed, UpdatedAt: old}},
	} {
		seedRecord(t, b, r)
	}

	stats, err := b.Stats(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 2, Running: 1, Failed: 2}, stats)

	_, err = b.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	job, err := b.GetJob(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, "other", job.Queue)

	pending, err := b.ListJobs(ctx, "test", queue.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p2", pending[0].ID)

	all, err := b.ListJobs(ctx, "test", "", 3)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	purged, err := b.PurgeFailed(ctx, "test", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = b.GetJob(ctx, "f1")
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	moved, err := b.RetryFailed(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, err = b.GetJob(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Zero(t, job.RunNumber)

	other, err := b.Stats(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Failed, "other queues untouched")
}

//go:build integration

package localqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/shelf/internal/platform/postgres"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/testdb"
)

func TestPostgresConcurrentClaimsNeverOverlap(t *testing.T) {
	db := testdb.Open(t)
	name := testdb.QueueName(t)
	testdb.CleanupQueue(t, db, name)

	s := NewStore(db, postgres.Dialect{})
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		_, _, err := s.Enqueue(ctx, queue.Spec{Queue: name, Payload: []byte(`{}`), Priority: i % 3})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claims, err := s.Claim(ctx, name, 4, time.Minute)
				if !assert.NoError(t, err) || len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claims {
					seen[c.Job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestPostgresIdempotentEnqueue(t *testing.T) {
	db := testdb.Open(t)
	name := testdb.QueueName(t)
	testdb.CleanupQueue(t, db, name)

	s := NewStore(db, postgres.Dialect{})
	ctx := context.Background()
	spec := queue.Spec{Queue: name, Payload: []byte(`{}`), IdempotencyKey: "k"}

	first, created, err := s.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestPostgresRunnersDrainQueue(t *testing.T) {
	db := testdb.Open(t)
	name := testdb.QueueName(t)
	testdb.CleanupQueue(t, db, name)

	b := New(db, postgres.Dialect{}, Options{ReapInterval: 50 * time.Millisecond})
	q, err := queue.New[payload](name, b, queue.Options[payload]{NumRetries: 1})
	require.NoError(t, err)

	rec := &recorder{}
	h := queue.Handlers[payload]{Run: rec.run, OnComplete: rec.onComplete}
	startRunner(t, q, h, fastRunnerOptions(3))
	startRunner(t, q, h, fastRunnerOptions(3))

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := q.Enqueue(ctx, payload{Value: i})
		require.NoError(t, err)
	}

	waitDrained(t, q)
	rec.waitCallbacks(t, 30, 0)

	values, _, _ := rec.snapshot()
	assert.ElementsMatch(t, seq(0, 30), values)
}

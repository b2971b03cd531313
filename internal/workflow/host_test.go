package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/shelf/internal/store"
	"github.com/phrazzld/shelf/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

func newHost() (*workflow.Host, workflow.Substrate) {
	sub := workflow.NewMemory()
	return workflow.NewHost(sub.State, sub.Signals, 0), sub
}

func TestUpdateSerializesCalls(t *testing.T) {
	h, sub := newHost()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := workflow.Update(ctx, h, "counter", func(c *counter, _ *workflow.Call) error {
				n := c.N
				time.Sleep(time.Millisecond)
				c.N = n + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := workflow.Load[counter](ctx, sub.State, "counter")
	require.NoError(t, err)
	assert.Equal(t, 50, c.N)
}

func TestInvokeErrorDiscardsChanges(t *testing.T) {
	h, sub := newHost()
	ctx := context.Background()

	require.NoError(t, workflow.Update(ctx, h, "obj", func(c *counter, _ *workflow.Call) error {
		c.N = 1
		return nil
	}))

	boom := errors.New("boom")
	err := workflow.Update(ctx, h, "obj", func(c *counter, call *workflow.Call) error {
		c.N = 99
		call.Resolve("sig", nil)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := workflow.Load[counter](ctx, sub.State, "obj")
	require.NoError(t, err)
	assert.Equal(t, 1, c.N)
	assert.Zero(t, sub.Signals.(*workflow.MemorySignals).Pending(), "no signal delivered")
}

func TestInvokeSkip(t *testing.T) {
	h, sub := newHost()
	ctx := context.Background()

	err := h.Invoke(ctx, "obj", func(call *workflow.Call) error {
		call.SetState([]byte(`{"n":5}`))
		return workflow.ErrSkip
	})
	require.NoError(t, err)

	_, err = sub.State.Get(ctx, "obj")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvokeDelete(t *testing.T) {
	h, sub := newHost()
	ctx := context.Background()

	require.NoError(t, sub.State.Put(ctx, "obj", []byte(`{"n":3}`)))
	require.NoError(t, workflow.Update(ctx, h, "obj", func(c *counter, call *workflow.Call) error {
		assert.Equal(t, 3, c.N)
		call.Delete()
		return nil
	}))

	_, err := sub.State.Get(ctx, "obj")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestInvokeDeliversSignalsAfterPersisting(t *testing.T) {
	h, sub := newHost()
	ctx := context.Background()

	got := make(chan int, 1)
	go func() {
		payload, err := sub.Signals.Await(ctx, "ready")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, []byte("go"), payload)
		c, err := workflow.Load[counter](ctx, sub.State, "obj")
		assert.NoError(t, err)
		got <- c.N
	}()

	require.NoError(t, workflow.Update(ctx, h, "obj", func(c *counter, call *workflow.Call) error {
		c.N = 7
		call.Resolve("ready", []byte("go"))
		return nil
	}))

	select {
	case n := <-got:
		assert.Equal(t, 7, n)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestInvokeHonoursContextWhileLocked(t *testing.T) {
	h, _ := newHost()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.Invoke(context.Background(), "obj", func(*workflow.Call) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Invoke(ctx, "obj", func(*workflow.Call) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

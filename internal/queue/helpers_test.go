package queue_test

import (
	"context"
	"sync"

	"github.com/phrazzld/shelf/internal/queue"
)

// fakeBackend records calls and hands the executor back to the test.
type fakeBackend struct {
	mu        sync.Mutex
	specs     []queue.Spec
	stats     queue.Stats
	exec      queue.Executor
	opts      queue.RunnerOptions
	enqueueID string
	err       error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Enqueue(_ context.Context, spec queue.Spec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.specs = append(b.specs, spec)
	if b.enqueueID != "" {
		return b.enqueueID, nil
	}
	return "job-1", nil
}

func (b *fakeBackend) Stats(context.Context, string) (queue.Stats, error) {
	return b.stats, b.err
}

func (b *fakeBackend) NewRunner(_ string, exec queue.Executor, opts queue.RunnerOptions) (queue.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exec = exec
	b.opts = opts
	return noopRunner{}, nil
}

func (b *fakeBackend) Close() error { return nil }

type noopRunner struct{}

func (noopRunner) Start() error { return nil }
func (noopRunner) Stop()        {}

type item struct {
	Value int    `json:"value" msgpack:"value" validate:"gte=0"`
	Note  string `json:"note,omitempty" msgpack:"note"`
}

// encodedJob builds a job whose payload is v encoded with codec.
func encodedJob(codec queue.Codec, v any) *queue.Job {
	data, err := codec.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &queue.Job{
		ID:         "job-1",
		Queue:      "items",
		Payload:    data,
		Priority:   5,
		GroupID:    "user-1",
		RunNumber:  1,
		NumRetries: 3,
	}
}

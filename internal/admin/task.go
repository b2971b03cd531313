package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/shelf/internal/queue"
)

// QueueName is the queue maintenance tasks are enqueued on.
const QueueName = "admin"

// DefaultNumRetries is the retry budget of maintenance tasks when none is
// configured.
const DefaultNumRetries = 2

// Action names a maintenance operation.
type Action string

// Supported actions.
const (
	ActionRetryFailed Action = "retry_failed"
	ActionPurgeFailed Action = "purge_failed"
)

// Task is the payload of a maintenance job.
type Task struct {
	Action Action `json:"action" validate:"required,oneof=retry_failed purge_failed"`
	Queue  string `json:"queue" validate:"required,excludes=/"`
	// OlderThanHours limits purge_failed to jobs last updated at least this
	// long ago. Zero purges every failed job.
	OlderThanHours int `json:"older_than_hours,omitempty" validate:"gte=0"`
}

// IdempotencyKey collapses repeated requests for the same maintenance while
// one is still outstanding.
func (t Task) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", t.Action, t.Queue)
}

// QueueSettings are the job options of maintenance tasks.
type QueueSettings struct {
	NumRetries     int
	KeepFailedJobs bool
}

// DefaultQueueSettings keeps failed maintenance tasks for inspection.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{NumRetries: DefaultNumRetries, KeepFailedJobs: true}
}

// NewQueue creates the admin queue on backend.
func NewQueue(backend queue.Backend, settings QueueSettings) (*queue.Queue[Task], error) {
	return queue.New(QueueName, backend, queue.Options[Task]{
		NumRetries:     settings.NumRetries,
		KeepFailedJobs: settings.KeepFailedJobs,
		Validator:      queue.StructValidator[Task]{},
	})
}

// Submit enqueues t on q. Requests for the same action and queue collapse
// onto the outstanding job, whose ID is returned.
func Submit(ctx context.Context, q *queue.Queue[Task], t Task) (string, error) {
	return q.Enqueue(ctx, t, queue.WithIdempotencyKey(t.IdempotencyKey()))
}

// cutoff returns the purge threshold for t relative to now.
func (t Task) cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(t.OlderThanHours) * time.Hour)
}

package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
)

// Handler executes maintenance tasks against a backend Inspector.
type Handler struct {
	inspector queue.Inspector
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(inspector queue.Inspector, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		inspector: inspector,
		logger:    log.With("component", "admin_handler"),
		now:       time.Now,
	}
}

// Handlers returns the typed handler set for queue.NewRunner.
func (h *Handler) Handlers() queue.Handlers[Task] {
	return queue.Handlers[Task]{
		Run:     h.Run,
		OnError: h.onError,
	}
}

// Run performs one maintenance task.
func (h *Handler) Run(ctx context.Context, job *queue.Dequeued[Task]) error {
	log := logger.FromContextOrDefault(ctx, h.logger)
	t := job.Data

	switch t.Action {
	case ActionRetryFailed:
		n, err := h.inspector.RetryFailed(ctx, t.Queue)
		if err != nil {
			return fmt.Errorf("failed to retry failed jobs of %s: %w", t.Queue, err)
		}
		log.Info("failed jobs moved back to pending", "target_queue", t.Queue, "count", n)

	case ActionPurgeFailed:
		n, err := h.inspector.PurgeFailed(ctx, t.Queue, t.cutoff(h.now()))
		if err != nil {
			return fmt.Errorf("failed to purge failed jobs of %s: %w", t.Queue, err)
		}
		log.Info("failed jobs purged",
			"target_queue", t.Queue,
			"older_than_hours", t.OlderThanHours,
			"count", n)

	default:
		return queue.Permanent(fmt.Errorf("unknown admin action %q", t.Action))
	}

	return nil
}

func (h *Handler) onError(ctx context.Context, job *queue.DequeuedError[Task]) error {
	log := logger.FromContextOrDefault(ctx, h.logger)
	log.Warn("admin task failed",
		"action", job.Data.Action,
		"target_queue", job.Data.Queue,
		"retries_left", job.NumRetriesLeft,
		"error", job.Err)
	return nil
}

package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/phrazzld/shelf/internal/queue"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 10m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// QueueLister returns the queues maintenance should cover.
type QueueLister func() []string

// Scheduler enqueues purge_failed tasks for every listed queue on a cron
// schedule. Several processes may run a Scheduler against the same backend;
// idempotency keys collapse their enqueues onto one outstanding task.
type Scheduler struct {
	cron           *cron.Cron
	q              *queue.Queue[Task]
	queues         QueueLister
	retentionHours int
	logger         *slog.Logger
}

// NewScheduler creates a Scheduler that purges failed jobs older than
// retentionHours whenever schedule fires.
func NewScheduler(
	q *queue.Queue[Task],
	schedule string,
	retentionHours int,
	queues QueueLister,
	log *slog.Logger,
) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	s := &Scheduler{
		cron:           cron.New(cron.WithParser(scheduleParser)),
		q:              q,
		queues:         queues,
		retentionHours: retentionHours,
		logger:         log.With("component", "admin_scheduler"),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "retention_hours", s.retentionHours)
}

// Stop stops the schedule and waits for a running tick, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) tick() {
	s.EnqueueMaintenance(context.Background())
}

// EnqueueMaintenance enqueues one purge task per listed queue and returns
// how many were accepted. Failures are logged and skipped.
func (s *Scheduler) EnqueueMaintenance(ctx context.Context) int {
	accepted := 0
	for _, name := range s.queues() {
		id, err := Submit(ctx, s.q, Task{
			Action:         ActionPurgeFailed,
			Queue:          name,
			OlderThanHours: s.retentionHours,
		})
		if err != nil {
			s.logger.Error("failed to enqueue maintenance task", "target_queue", name, "error", err)
			continue
		}
		s.logger.Debug("maintenance task enqueued", "target_queue", name, "job_id", id)
		accepted++
	}
	return accepted
}

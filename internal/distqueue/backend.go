package distqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/store"
	"github.com/phrazzld/shelf/internal/workflow"
)

// Default runner settings.
const (
	DefaultReclaimGrace = 30 * time.Second
	DefaultReapInterval = 30 * time.Second
	DefaultMaxHeldJobs  = 1000
)

// Options configures a Backend.
type Options struct {
	// LockTTL bounds how long a crashed process can hold an object lock.
	LockTTL time.Duration
	// ReclaimGrace is added to the runner timeout to form a job's lease.
	// Runners renew the lease while they hold a job; a job whose lease ran
	// out is recovered by any runner of its queue.
	ReclaimGrace time.Duration
	// ReapInterval is how often runners look for abandoned jobs.
	ReapInterval time.Duration
	// MaxHeldJobs caps the jobs one runner holds at once, running or
	// waiting for a permit. Further invocations stay in the mailbox, and
	// abandoned jobs stay unowned, until the runner has room. It is raised
	// to the runner's concurrency when lower.
	MaxHeldJobs int
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReclaimGrace <= 0 {
		o.ReclaimGrace = DefaultReclaimGrace
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.MaxHeldJobs <= 0 {
		o.MaxHeldJobs = DefaultMaxHeldJobs
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Backend runs queues on a workflow substrate. Every job is a virtual
// object keyed job/<queue>/<id>; concurrency and fairness come from one
// Semaphore object per queue. It implements queue.Backend and
// queue.Inspector.
type Backend struct {
	sub    workflow.Substrate
	host   *workflow.Host
	sem    *Semaphore
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ queue.Backend   = (*Backend)(nil)
	_ queue.Inspector = (*Backend)(nil)
)

// New returns a Backend on sub. The backend closes sub in Close.
func New(sub workflow.Substrate, opts Options) (*Backend, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	host := workflow.NewHost(sub.State, sub.Signals, opts.LockTTL)
	return &Backend{
		sub:    sub,
		host:   host,
		sem:    NewSemaphore(host),
		opts:   opts,
		logger: opts.Logger.With("component", "distqueue"),
		now:    time.Now,
	}, nil
}

// Name returns "workflow".
func (b *Backend) Name() string { return "workflow" }

// Semaphore exposes the per-queue semaphores.
func (b *Backend) Semaphore() *Semaphore { return b.sem }

// Enqueue creates the job object and dispatches it to the queue's mailbox.
// An active job with the same idempotency key is left untouched and its ID
// returned; a terminally failed one is replaced.
func (b *Backend) Enqueue(ctx context.Context, spec queue.Spec) (string, error) {
	if err := checkQueueName(spec.Queue); err != nil {
		return "", err
	}
	id := jobID(spec.Queue, spec.IdempotencyKey)
	now := b.now().UTC()

	created := false
	err := workflow.Update(ctx, b.host, jobKey(spec.Queue, id), func(r *record, _ *workflow.Call) error {
		if r.exists() && r.Status.Active() {
			return workflow.ErrSkip
		}
		*r = record{Job: queue.Job{
			ID:             id,
			Queue:          spec.Queue,
			Payload:        spec.Payload,
			Priority:       spec.Priority,
			GroupID:        spec.GroupID,
			NumRetries:     spec.NumRetries,
			KeepFailed:     spec.KeepFailed,
			Status:         queue.StatusPending,
			IdempotencyKey: spec.IdempotencyKey,
			AvailableAt:    now.Add(spec.Delay),
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		created = true
		return nil
	})
	if err != nil {
		return "", store.NewStoreError("job", "enqueue", "failed to store job", err)
	}

	if !created {
		logger.FromContext(ctx).Debug("idempotent enqueue matched active job",
			"queue", spec.Queue,
			"job_id", id)
		return id, nil
	}

	b.dispatch(ctx, spec.Queue, id)
	return id, nil
}

// dispatch announces a stored job. A lost announcement only delays the job
// until a runner's next recovery pass.
func (b *Backend) dispatch(ctx context.Context, queueName, id string) {
	if err := b.sub.Mailbox.Send(ctx, mailboxTopic(queueName), []byte(id)); err != nil {
		logger.FromContextOrDefault(ctx, b.logger).Warn("failed to dispatch job; it will be recovered",
			"queue", queueName,
			"job_id", id,
			"error", err)
	}
}

// Stats counts the jobs of queueName by status.
func (b *Backend) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	var stats queue.Stats
	records, err := b.records(ctx, queueName)
	if err != nil {
		return stats, err
	}
	for _, r := range records {
		stats.Add(r.Status, 1)
	}
	return stats, nil
}

// NewRunner returns a runner receiving the queue's invocations.
func (b *Backend) NewRunner(queueName string, exec queue.Executor, opts queue.RunnerOptions) (queue.Runner, error) {
	if exec == nil {
		return nil, fmt.Errorf("distqueue: nil executor")
	}
	if err := checkQueueName(queueName); err != nil {
		return nil, err
	}
	return newRunner(b, queueName, exec, opts.WithDefaults()), nil
}

// checkQueueName rejects names that would make one queue's keys a prefix
// of another's.
func checkQueueName(name string) error {
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: queue name %q contains '/'", queue.ErrInvalidQueue, name)
	}
	return nil
}

// Close closes the substrate.
func (b *Backend) Close() error {
	return b.sub.Close()
}

// records loads every job object of queueName.
func (b *Backend) records(ctx context.Context, queueName string) ([]record, error) {
	return b.loadKeys(ctx, jobPrefix(queueName))
}

func (b *Backend) loadKeys(ctx context.Context, prefix string) ([]record, error) {
	keys, err := b.sub.State.Keys(ctx, prefix)
	if err != nil {
		return nil, store.NewStoreError("job", "scan", "failed to list jobs", err)
	}

	records := make([]record, 0, len(keys))
	for _, k := range keys {
		r, err := workflow.Load[record](ctx, b.sub.State, k)
		if isNotFound(err) {
			// Deleted since the scan.
			continue
		}
		if err != nil {
			return nil, store.NewStoreError("job", "load", "failed to load job", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// GetJob finds a job by ID in any queue.
func (b *Backend) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	keys, err := b.sub.State.Keys(ctx, "job/")
	if err != nil {
		return nil, store.NewStoreError("job", "get", "failed to list jobs", err)
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, "/"+id) {
			continue
		}
		r, err := workflow.Load[record](ctx, b.sub.State, k)
		if isNotFound(err) {
			break
		}
		if err != nil {
			return nil, store.NewStoreError("job", "get", "failed to load job", err)
		}
		job := r.Job
		return &job, nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
}

// ListJobs lists jobs of queueName in dispatch order.
func (b *Backend) ListJobs(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error) {
	records, err := b.records(ctx, queueName)
	if err != nil {
		return nil, err
	}

	jobs := make([]*queue.Job, 0, len(records))
	for i := range records {
		if status != "" && records[i].Status != status {
			continue
		}
		jobs = append(jobs, &records[i].Job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RetryFailed moves failed jobs of queueName back to pending with their run
// number reset and dispatches them again.
func (b *Backend) RetryFailed(ctx context.Context, queueName string) (int, error) {
	records, err := b.records(ctx, queueName)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, failed := range records {
		if failed.Status != queue.StatusFailed {
			continue
		}

		retried := false
		now := b.now().UTC()
		err := workflow.Update(ctx, b.host, jobKey(queueName, failed.ID), func(r *record, _ *workflow.Call) error {
			if !r.exists() || r.Status != queue.StatusFailed {
				return workflow.ErrSkip
			}
			r.Status = queue.StatusPending
			r.RunNumber = 0
			r.LastError = ""
			r.AvailableAt = now
			r.UpdatedAt = now
			r.Owner = ""
			r.LeaseUntil = time.Time{}
			retried = true
			return nil
		})
		if err != nil {
			return moved, store.NewStoreError("job", "retry_failed", "failed to requeue job", err)
		}
		if retried {
			moved++
			b.dispatch(ctx, queueName, failed.ID)
		}
	}
	return moved, nil
}

// PurgeFailed deletes failed jobs of queueName last updated before olderThan.
func (b *Backend) PurgeFailed(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	records, err := b.records(ctx, queueName)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, failed := range records {
		if failed.Status != queue.StatusFailed || !failed.UpdatedAt.Before(olderThan) {
			continue
		}
		deleted := false
		err := workflow.Update(ctx, b.host, jobKey(queueName, failed.ID), func(r *record, call *workflow.Call) error {
			if !r.exists() || r.Status != queue.StatusFailed || !r.UpdatedAt.Before(olderThan) {
				return workflow.ErrSkip
			}
			call.Delete()
			deleted = true
			return nil
		})
		if err != nil {
			return purged, store.NewStoreError("job", "purge_failed", "failed to delete job", err)
		}
		if deleted {
			purged++
		}
	}
	return purged, nil
}

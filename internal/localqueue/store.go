package localqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/store"
)

// DB is the database handle the store needs: plain statements plus
// transactions. *sql.DB satisfies it.
type DB interface {
	store.DBTX
	store.TxBeginner
}

// Claim is a job held by a runner. AllocID identifies this particular claim;
// every state change made on behalf of the holder is conditional on it.
type Claim struct {
	Job     *queue.Job
	AllocID string
	seq     int64
}

const jobColumns = `seq, id, queue, payload, priority, group_id, status, run_number,
	num_retries, keep_failed, idempotency_key, last_error, alloc_id,
	available_at, created_at, updated_at`

const activeStatuses = `('pending', 'running', 'pending_retry')`

// maxEnqueueAttempts bounds the insert/lookup loop of an idempotent enqueue
// racing with the job it collides with reaching a terminal state.
const maxEnqueueAttempts = 3

// Store persists jobs in the queue_jobs table.
type Store struct {
	db      DB
	dialect Dialect
	now     func() time.Time
}

// NewStore returns a Store over db using dialect.
func NewStore(db DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *Store) mapError(entity, op string, err error) error {
	return store.NewStoreError(entity, op, "query failed", s.dialect.MapError(err))
}

// Enqueue inserts a job for spec and returns its ID. The second result is
// false when an active job with the same idempotency key already existed and
// its ID was returned instead.
func (s *Store) Enqueue(ctx context.Context, spec queue.Spec) (string, bool, error) {
	log := logger.FromContext(ctx)

	insert := `
		INSERT INTO queue_jobs (id, queue, payload, priority, group_id, status, run_number,
			num_retries, keep_failed, idempotency_key, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?, ?)`
	if spec.IdempotencyKey != "" {
		insert += `
		ON CONFLICT (queue, idempotency_key)
			WHERE idempotency_key IS NOT NULL AND status IN ` + activeStatuses + `
		DO NOTHING`
	}
	insert = s.q(insert)

	for attempt := 0; attempt < maxEnqueueAttempts; attempt++ {
		id := uuid.NewString()
		now := s.now()

		res, err := s.db.ExecContext(ctx, insert,
			id,
			spec.Queue,
			spec.Payload,
			spec.Priority,
			nullString(spec.GroupID),
			spec.NumRetries,
			spec.KeepFailed,
			nullString(spec.IdempotencyKey),
			now.Add(spec.Delay).UnixMilli(),
			now.UnixMilli(),
			now.UnixMilli(),
		)
		if err != nil {
			log.Error("failed to insert job", "queue", spec.Queue, "error", err)
			return "", false, s.mapError("job", "enqueue", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return "", false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if inserted == 1 {
			return id, true, nil
		}

		existing, err := s.activeIDForKey(ctx, spec.Queue, spec.IdempotencyKey)
		if errors.Is(err, sql.ErrNoRows) {
			// The colliding job finished between our insert and lookup.
			continue
		}
		if err != nil {
			return "", false, s.mapError("job", "enqueue", err)
		}

		log.Debug("idempotent enqueue matched active job",
			"queue", spec.Queue,
			"job_id", existing)
		return existing, false, nil
	}

	return "", false, store.NewStoreError("job", "enqueue",
		"idempotency key kept colliding with finishing jobs", store.ErrDuplicate)
}

func (s *Store) activeIDForKey(ctx context.Context, queueName, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id FROM queue_jobs
		WHERE queue = ? AND idempotency_key = ? AND status IN `+activeStatuses),
		queueName, key,
	).Scan(&id)
	return id, err
}

// Claim atomically moves up to limit eligible jobs of queueName to running
// and returns them in dispatch order: priority ascending, then enqueue order.
// A job is eligible when it is pending or awaiting retry and its
// available_at has passed. Each claimed job expires after lease.
func (s *Store) Claim(ctx context.Context, queueName string, limit int, lease time.Duration) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.now()
	allocID := uuid.NewString()

	query := s.q(`
		UPDATE queue_jobs
		SET status = 'running', alloc_id = ?, expire_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = ?
			  AND status IN ('pending', 'pending_retry')
			  AND available_at <= ?
			ORDER BY priority ASC, seq ASC
			LIMIT ?
			` + s.dialect.ClaimLock() + `
		)
		AND status IN ('pending', 'pending_retry')
		RETURNING ` + jobColumns)

	rows, err := s.db.QueryContext(ctx, query,
		allocID,
		now.Add(lease).UnixMilli(),
		now.UnixMilli(),
		queueName,
		now.UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, s.mapError("job", "claim", err)
	}

	claims, err := scanClaims(rows)
	if err != nil {
		return nil, s.mapError("job", "claim", err)
	}

	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Job.Priority != claims[j].Job.Priority {
			return claims[i].Job.Priority < claims[j].Job.Priority
		}
		return claims[i].seq < claims[j].seq
	})
	return claims, nil
}

// Complete removes a successfully processed job. It returns
// store.ErrLeaseLost when the claim is no longer held.
func (s *Store) Complete(ctx context.Context, c Claim) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM queue_jobs
		WHERE id = ? AND alloc_id = ? AND status = 'running'`),
		c.Job.ID, c.AllocID,
	)
	if err != nil {
		return s.mapError("job", "complete", err)
	}
	return checkHeld(res)
}

// Fail records a failed attempt of a claimed job and returns the retries
// left. Jobs with retries left move to pending_retry, become eligible again
// after delay and have their run number incremented. Jobs out of retries, or
// failing with a permanent error, become failed, or are deleted when the job
// does not keep failures. It returns store.ErrLeaseLost when the claim is no
// longer held.
func (s *Store) Fail(ctx context.Context, c Claim, cause error, delay time.Duration) (int, error) {
	now := s.now()
	retriesLeft := c.Job.RetriesLeft()
	if queue.IsPermanent(cause) {
		retriesLeft = 0
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var (
		res sql.Result
		err error
	)
	switch {
	case retriesLeft > 0:
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE queue_jobs
			SET status = 'pending_retry', run_number = run_number + 1, available_at = ?,
				last_error = ?, alloc_id = NULL, expire_at = NULL, updated_at = ?
			WHERE id = ? AND alloc_id = ? AND status = 'running'`),
			now.Add(delay).UnixMilli(), msg, now.UnixMilli(), c.Job.ID, c.AllocID,
		)
	case c.Job.KeepFailed:
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE queue_jobs
			SET status = 'failed', last_error = ?, alloc_id = NULL, expire_at = NULL, updated_at = ?
			WHERE id = ? AND alloc_id = ? AND status = 'running'`),
			msg, now.UnixMilli(), c.Job.ID, c.AllocID,
		)
	default:
		res, err = s.db.ExecContext(ctx, s.q(`
			DELETE FROM queue_jobs
			WHERE id = ? AND alloc_id = ? AND status = 'running'`),
			c.Job.ID, c.AllocID,
		)
	}
	if err != nil {
		return 0, s.mapError("job", "fail", err)
	}
	if err := checkHeld(res); err != nil {
		return 0, err
	}
	return retriesLeft, nil
}

// Expired returns running jobs of queueName whose claim expired before now,
// typically because the runner holding them crashed.
func (s *Store) Expired(ctx context.Context, queueName string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+`
		FROM queue_jobs
		WHERE queue = ? AND status = 'running' AND expire_at < ?
		ORDER BY seq ASC`),
		queueName, s.now().UnixMilli(),
	)
	if err != nil {
		return nil, s.mapError("job", "expire", err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return nil, s.mapError("job", "expire", err)
	}
	return claims, nil
}

// Stats counts the jobs of queueName by status.
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	var stats queue.Stats

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT status, COUNT(*) FROM queue_jobs
		WHERE queue = ?
		GROUP BY status`),
		queueName,
	)
	if err != nil {
		return stats, s.mapError("job", "stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, s.mapError("job", "stats", err)
		}
		stats.Add(queue.Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return stats, s.mapError("job", "stats", err)
	}
	return stats, nil
}

// Get returns the job with id.
func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`), id)
	if err != nil {
		return nil, s.mapError("job", "get", err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return nil, s.mapError("job", "get", err)
	}
	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return claims[0].Job, nil
}

// List returns up to limit jobs of queueName in dispatch order. An empty
// status matches every status.
func (s *Store) List(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE queue = ?`
	args := []any{queueName}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC, seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.mapError("job", "list", err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return nil, s.mapError("job", "list", err)
	}

	jobs := make([]*queue.Job, len(claims))
	for i, c := range claims {
		jobs[i] = c.Job
	}
	return jobs, nil
}

// RetryFailed moves failed jobs of queueName back to pending with their run
// number reset. A failed job whose idempotency key now belongs to another
// active job is left failed.
func (s *Store) RetryFailed(ctx context.Context, queueName string) (int, error) {
	moved := 0
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT id FROM queue_jobs
			WHERE queue = ? AND status = 'failed'
			ORDER BY seq ASC`),
			queueName,
		)
		if err != nil {
			return err
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := s.now().UnixMilli()
		update := s.q(`
			UPDATE queue_jobs
			SET status = 'pending', run_number = 0, last_error = NULL,
				available_at = ?, updated_at = ?
			WHERE id = ? AND status = 'failed'
			  AND (idempotency_key IS NULL OR NOT EXISTS (
				SELECT 1 FROM queue_jobs a
				WHERE a.queue = queue_jobs.queue
				  AND a.idempotency_key = queue_jobs.idempotency_key
				  AND a.status IN ` + activeStatuses + `))`)

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, update, now, now, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			moved += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, s.mapError("job", "retry_failed", err)
	}
	return moved, nil
}

// PurgeFailed deletes failed jobs of queueName last updated before olderThan.
func (s *Store) PurgeFailed(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM queue_jobs
		WHERE queue = ? AND status = 'failed' AND updated_at < ?`),
		queueName, olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, s.mapError("job", "purge_failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func scanClaims(rows *sql.Rows) ([]Claim, error) {
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var (
			c         Claim
			j         queue.Job
			status    string
			groupID   sql.NullString
			key       sql.NullString
			lastError sql.NullString
			allocID   sql.NullString
			available int64
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(
			&c.seq,
			&j.ID,
			&j.Queue,
			&j.Payload,
			&j.Priority,
			&groupID,
			&status,
			&j.RunNumber,
			&j.NumRetries,
			&j.KeepFailed,
			&key,
			&lastError,
			&allocID,
			&available,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}

		j.Status = queue.Status(status)
		j.GroupID = groupID.String
		j.IdempotencyKey = key.String
		j.LastError = lastError.String
		j.AvailableAt = fromMillis(available)
		j.CreatedAt = fromMillis(createdAt)
		j.UpdatedAt = fromMillis(updatedAt)

		c.Job = &j
		c.AllocID = allocID.String
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

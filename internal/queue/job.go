package queue

import "time"

// Status is the lifecycle state of a persisted job.
type Status string

// Job statuses. Completed jobs are removed from storage, so no completed
// status is ever persisted.
const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusPendingRetry Status = "pending_retry"
	StatusFailed       Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPendingRetry, StatusFailed:
		return true
	}
	return false
}

// Active reports whether a job in this status has not yet reached a terminal
// state. Idempotency keys only collapse enqueues onto active jobs.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPendingRetry
}

// Job is the backend record of one unit of work. Payload holds the encoded
// item; typed access goes through Dequeued.
type Job struct {
	ID             string    `json:"id"`
	Queue          string    `json:"queue"`
	Payload        []byte    `json:"payload"`
	Priority       int       `json:"priority"`
	GroupID        string    `json:"group_id,omitempty"`
	RunNumber      int       `json:"run_number"`
	NumRetries     int       `json:"num_retries"`
	KeepFailed     bool      `json:"keep_failed"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	AvailableAt    time.Time `json:"available_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RetriesLeft is the number of attempts remaining after the current one.
func (j *Job) RetriesLeft() int {
	if n := j.NumRetries - j.RunNumber; n > 0 {
		return n
	}
	return 0
}

// Stats holds per-status job counts for one queue.
type Stats struct {
	Pending      int64 `json:"pending"`
	PendingRetry int64 `json:"pending_retry"`
	Running      int64 `json:"running"`
	Failed       int64 `json:"failed"`
}

// Drained reports whether every enqueued job has reached a terminal state.
func (s Stats) Drained() bool {
	return s.Pending == 0 && s.PendingRetry == 0 && s.Running == 0
}

// Add increments the counter for status by n. Unknown statuses are ignored.
func (s *Stats) Add(status Status, n int64) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusPendingRetry:
		s.PendingRetry += n
	case StatusRunning:
		s.Running += n
	case StatusFailed:
		s.Failed += n
	}
}

// Spec is an encoded enqueue request as seen by a backend.
type Spec struct {
	Queue          string
	Payload        []byte
	Priority       int
	Delay          time.Duration
	IdempotencyKey string
	GroupID        string
	NumRetries     int
	KeepFailed     bool
}

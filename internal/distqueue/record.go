package distqueue

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/phrazzld/shelf/internal/queue"
	"github.com/phrazzld/shelf/internal/workflow"
)

// record is the durable state of one job object.
type record struct {
	queue.Job
	// Waiter is the semaphore waiter of the current attempt, set from
	// before Acquire until after Release.
	Waiter string `json:"waiter,omitempty"`
	// Owner is the runner processing the job while LeaseUntil is ahead.
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until"`
}

func (r *record) exists() bool { return r.ID != "" }

func (r *record) ownedBy(owner string) bool {
	return r.exists() && r.Owner == owner
}

// claimable reports whether owner may take over the record at now.
func (r *record) claimable(owner string, now time.Time) bool {
	if !r.exists() || !r.Status.Active() {
		return false
	}
	return r.Owner == "" || r.Owner == owner || !r.LeaseUntil.After(now)
}

func jobKey(queueName, id string) string {
	return jobPrefix(queueName) + id
}

func jobPrefix(queueName string) string {
	return "job/" + queueName + "/"
}

func mailboxTopic(queueName string) string {
	return "queue/" + queueName
}

// jobID derives the ID from the idempotency key so that every enqueue with
// the same key addresses the same object. Jobs without a key get a random
// ID.
func jobID(queueName, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	sum := blake2b.Sum256([]byte(queueName + "\x00" + idempotencyKey))
	return hex.EncodeToString(sum[:16])
}

func isNotFound(err error) bool {
	return errors.Is(err, workflow.ErrNotFound)
}

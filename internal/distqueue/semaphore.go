package distqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/shelf/internal/platform/logger"
	"github.com/phrazzld/shelf/internal/workflow"
)

// historyLimit caps LastServedGroups. The oldest entry is evicted first.
const historyLimit = 100

// withdrawTimeout bounds the cleanup an abandoned Acquire performs after
// its own context has ended.
const withdrawTimeout = 10 * time.Second

// Waiter is one pending Acquire.
type Waiter struct {
	ID       string `json:"waiter"`
	Priority int    `json:"priority"`
	GroupID  string `json:"group_id,omitempty"`
}

// SemaphoreState is the durable state of a queue's semaphore.
type SemaphoreState struct {
	Items    []Waiter `json:"items"`
	InFlight int      `json:"in_flight"`
	// Holders are the waiters currently granted a permit, so that a release
	// is counted once however often it is retried.
	Holders []string `json:"holders"`
	// LastServedGroups lists served group IDs, most recent first.
	LastServedGroups []string `json:"last_served_groups"`
}

// tick grants permits while capacity allows and returns the granted waiter
// IDs in grant order.
func (s *SemaphoreState) tick(capacity int) []string {
	var granted []string
	for s.InFlight < capacity && len(s.Items) > 0 {
		i := s.next()
		w := s.Items[i]
		s.Items = append(s.Items[:i], s.Items[i+1:]...)

		s.InFlight++
		s.Holders = append(s.Holders, w.ID)
		if w.GroupID != "" {
			s.served(w.GroupID)
		}
		granted = append(granted, w.ID)
	}
	return granted
}

// next picks the waiter to serve: lowest priority value first; among equal
// priorities a waiter without a group, or whose group is not in the
// history, is served in arrival order; otherwise the group served least
// recently wins.
func (s *SemaphoreState) next() int {
	best, bestRank := -1, 0
	for i, w := range s.Items {
		rank := s.rank(w.GroupID)
		if best < 0 ||
			w.Priority < s.Items[best].Priority ||
			(w.Priority == s.Items[best].Priority && rank < bestRank) {
			best, bestRank = i, rank
		}
	}
	return best
}

// rank is 0 for a group absent from the history and grows with how
// recently the group was served.
func (s *SemaphoreState) rank(groupID string) int {
	if groupID == "" {
		return 0
	}
	for i, g := range s.LastServedGroups {
		if g == groupID {
			return len(s.LastServedGroups) - i
		}
	}
	return 0
}

func (s *SemaphoreState) served(groupID string) {
	s.LastServedGroups = append([]string{groupID}, s.LastServedGroups...)
	if len(s.LastServedGroups) > historyLimit {
		s.LastServedGroups = s.LastServedGroups[:historyLimit]
	}
}

// holds reports whether waiter currently holds a permit.
func (s *SemaphoreState) holds(waiter string) bool {
	for _, h := range s.Holders {
		if h == waiter {
			return true
		}
	}
	return false
}

// remove drops waiter from the queue or from the holders. It reports
// whether a held permit was returned.
func (s *SemaphoreState) remove(waiter string) bool {
	for i, w := range s.Items {
		if w.ID == waiter {
			s.Items = append(s.Items[:i], s.Items[i+1:]...)
			return false
		}
	}
	for i, h := range s.Holders {
		if h == waiter {
			s.Holders = append(s.Holders[:i], s.Holders[i+1:]...)
			if s.InFlight > 0 {
				s.InFlight--
			}
			return true
		}
	}
	return false
}

// Semaphore bounds how many jobs of a queue run at once across every
// runner sharing the substrate. Each queue has one semaphore object and all
// decisions about it are made inside serialized calls on that object.
type Semaphore struct {
	host *workflow.Host
}

// NewSemaphore returns a Semaphore whose objects live on host.
func NewSemaphore(host *workflow.Host) *Semaphore {
	return &Semaphore{host: host}
}

func semaphoreKey(queueName string) string {
	return "semaphore/" + queueName
}

// Acquire queues waiter and blocks until it is granted a permit. There is no
// upper bound on the wait besides ctx. When ctx ends first the waiter is
// withdrawn, or its permit returned if it had just been granted.
// Acquiring with a waiter that already holds a permit returns immediately.
func (s *Semaphore) Acquire(ctx context.Context, queueName, waiter string, priority int, groupID string, capacity int) error {
	held := false
	err := workflow.Update(ctx, s.host, semaphoreKey(queueName), func(st *SemaphoreState, call *workflow.Call) error {
		if st.holds(waiter) {
			held = true
			return workflow.ErrSkip
		}
		st.Items = append(st.Items, Waiter{ID: waiter, Priority: priority, GroupID: groupID})
		for _, id := range st.tick(capacity) {
			call.Resolve(id, nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to queue for %s semaphore: %w", queueName, err)
	}
	if held {
		return nil
	}

	if _, err := s.host.Signals().Await(ctx, waiter); err != nil {
		s.withdraw(ctx, queueName, waiter, capacity)
		return err
	}
	return nil
}

func (s *Semaphore) withdraw(ctx context.Context, queueName, waiter string, capacity int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), withdrawTimeout)
	defer cancel()

	log := logger.FromContext(ctx)
	if err := s.Release(ctx, queueName, waiter, capacity); err != nil {
		log.Error("failed to withdraw semaphore waiter",
			"queue", queueName,
			"waiter", waiter,
			"error", err)
	}
	if err := s.host.Signals().Forget(ctx, waiter); err != nil {
		log.Warn("failed to discard semaphore grant",
			"queue", queueName,
			"waiter", waiter,
			"error", err)
	}
}

// Release returns waiter's permit, or withdraws waiter if it is still
// queued, and grants freed capacity to the next waiters. Releasing an
// unknown waiter changes nothing.
func (s *Semaphore) Release(ctx context.Context, queueName, waiter string, capacity int) error {
	err := workflow.Update(ctx, s.host, semaphoreKey(queueName), func(st *SemaphoreState, call *workflow.Call) error {
		st.remove(waiter)
		for _, id := range st.tick(capacity) {
			call.Resolve(id, nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release %s semaphore: %w", queueName, err)
	}
	return nil
}

// State returns a snapshot of the queue's semaphore.
func (s *Semaphore) State(ctx context.Context, queueName string) (SemaphoreState, error) {
	st, err := workflow.Load[SemaphoreState](ctx, s.host.State(), semaphoreKey(queueName))
	if err != nil && !isNotFound(err) {
		return st, err
	}
	return st, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/shelf/internal/workflow"
)

// Lock polling bounds while another holder has the key.
const (
	minLockRetry = 2 * time.Millisecond
	maxLockRetry = 50 * time.Millisecond
)

// unlockScript deletes the lock only while it still carries our token, so an
// expired holder cannot release a lock since taken by someone else.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// StateStore implements workflow.StateStore.
type StateStore struct {
	client goredis.UniversalClient
	keys   keyspace
}

var _ workflow.StateStore = (*StateStore)(nil)

// NewStateStore returns a StateStore writing keys under prefix.
func NewStateStore(client goredis.UniversalClient, prefix string) *StateStore {
	return &StateStore{client: client, keys: keyspace{prefix: prefix}}
}

// Get implements workflow.StateStore.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.keys.stateKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

// Put implements workflow.StateStore.
func (s *StateStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keys.stateKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis: put %s: %w", key, err)
	}
	return nil
}

// Delete implements workflow.StateStore.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keys.stateKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// Keys implements workflow.StateStore with SCAN.
func (s *StateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	base := s.keys.stateKey("")
	match := escapeGlob(base+prefix) + "*"

	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, match, 200).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), base)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s: %w", prefix, err)
	}

	// SCAN may return a key more than once.
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock implements workflow.StateStore with SET NX PX, polling while the
// key is held.
func (s *StateStore) Lock(ctx context.Context, key string, ttl time.Duration) (workflow.Unlock, error) {
	lockKey := s.keys.lockKey(key)
	token := uuid.NewString()

	wait := minLockRetry
	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > maxLockRetry {
			wait = maxLockRetry
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = unlockScript.Run(ctx, s.client, []string{lockKey}, token).Err()
		})
		if err != nil {
			return fmt.Errorf("redis: unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

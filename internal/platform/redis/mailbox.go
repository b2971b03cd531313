package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/shelf/internal/workflow"
)

// DefaultReceiveBlock is how long one BLPOP waits before Receive checks its
// context again.
const DefaultReceiveBlock = time.Second

// Mailbox implements workflow.Mailbox with one list per topic.
type Mailbox struct {
	client goredis.UniversalClient
	keys   keyspace
	block  time.Duration
}

var _ workflow.Mailbox = (*Mailbox)(nil)

// NewMailbox returns a Mailbox writing keys under prefix.
func NewMailbox(client goredis.UniversalClient, prefix string, block time.Duration) *Mailbox {
	if block <= 0 {
		block = DefaultReceiveBlock
	}
	return &Mailbox{client: client, keys: keyspace{prefix: prefix}, block: block}
}

// Send implements workflow.Mailbox.
func (m *Mailbox) Send(ctx context.Context, topic string, msg []byte) error {
	if err := m.client.RPush(ctx, m.keys.mailboxKey(topic), msg).Err(); err != nil {
		return fmt.Errorf("redis: send to %s: %w", topic, err)
	}
	return nil
}

// Receive implements workflow.Mailbox.
func (m *Mailbox) Receive(ctx context.Context, topic string) ([]byte, error) {
	key := m.keys.mailboxKey(topic)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := m.client.BLPop(ctx, m.block, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis: receive from %s: %w", topic, err)
		}
		// BLPOP replies with [key, value].
		return []byte(res[1]), nil
	}
}

package redis

import (
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/shelf/internal/workflow"
)

// Option configures NewSubstrate.
type Option func(*options)

type options struct {
	prefix       string
	signalTTL    time.Duration
	receiveBlock time.Duration
	ownsClient   bool
}

// WithPrefix namespaces every key. The default is DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithSignalTTL bounds how long unclaimed signal resolutions are kept.
func WithSignalTTL(ttl time.Duration) Option {
	return func(o *options) { o.signalTTL = ttl }
}

// WithReceiveBlock sets how long a single BLPOP blocks.
func WithReceiveBlock(d time.Duration) Option {
	return func(o *options) { o.receiveBlock = d }
}

// WithOwnedClient makes the substrate close the client on Close. The
// signal subscription is closed either way.
func WithOwnedClient() Option {
	return func(o *options) { o.ownsClient = true }
}

// NewSubstrate returns a workflow substrate backed by client.
func NewSubstrate(client goredis.UniversalClient, opts ...Option) workflow.Substrate {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	signals := NewSignals(client, o.prefix, o.signalTTL)
	return workflow.Substrate{
		State:   NewStateStore(client, o.prefix),
		Signals: signals,
		Mailbox: NewMailbox(client, o.prefix, o.receiveBlock),
		Closer: func() error {
			err := signals.Close()
			if o.ownsClient {
				err = errors.Join(err, client.Close())
			}
			return err
		},
	}
}

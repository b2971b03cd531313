// Package redis implements the workflow substrate on Redis so that runners
// in several processes share virtual object state, signals and mailboxes.
//
// Object state is stored as plain string keys, locks use SET NX PX with a
// compare-and-delete release, signals combine a stored resolution with a
// pub/sub notification, and mailboxes are lists consumed with BLPOP.
//
// Usage:
//
//	client, err := redis.Open(ctx, "redis://localhost:6379/0")
//	if err != nil { ... }
//	sub := redis.NewSubstrate(client, redis.WithPrefix("shelf:"))
package redis

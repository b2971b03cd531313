// Package workflow is a small durable-execution substrate built around
// virtual objects: keyed state that is only ever mutated by one call at a
// time.
//
// A Host serializes calls on a key by taking the key's lock, loading its
// state, running the caller's function, persisting the result and releasing
// the lock. Side effects requested by the function, such as resolving a
// Signal another goroutine is waiting on, are delivered only after the state
// has been persisted. Mailboxes carry invocations between processes.
//
// Memory implementations back tests and single-process deployments; the
// platform/redis package provides shared implementations.
package workflow

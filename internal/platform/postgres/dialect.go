package postgres

import "strconv"

// Dialect renders queue SQL for PostgreSQL.
type Dialect struct{}

// Name returns "postgres".
func (Dialect) Name() string { return "postgres" }

// Placeholder returns the n-th (1-based) positional parameter, e.g. $1.
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// ClaimLock lets concurrent pollers skip rows another transaction is
// already claiming instead of blocking on them.
func (Dialect) ClaimLock() string { return "FOR UPDATE SKIP LOCKED" }

// MapError maps driver errors to store errors.
func (Dialect) MapError(err error) error { return MapError(err) }

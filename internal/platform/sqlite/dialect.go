package sqlite

// Dialect renders queue SQL for SQLite.
type Dialect struct{}

// Name returns "sqlite".
func (Dialect) Name() string { return "sqlite" }

// Placeholder returns "?"; SQLite parameters are positional.
func (Dialect) Placeholder(int) string { return "?" }

// ClaimLock returns no locking clause. SQLite runs each UPDATE under the
// database write lock, which already makes the claim atomic.
func (Dialect) ClaimLock() string { return "" }

// MapError maps driver errors to store errors.
func (Dialect) MapError(err error) error { return MapError(err) }

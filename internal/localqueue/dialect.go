package localqueue

import "strings"

// Dialect supplies the database-specific pieces of queue SQL. The platform
// postgres and sqlite packages provide implementations.
type Dialect interface {
	Name() string
	// Placeholder returns the n-th (1-based) parameter marker.
	Placeholder(n int) string
	// ClaimLock is appended to the claim subquery, or empty.
	ClaimLock() string
	// MapError maps driver errors to store errors.
	MapError(err error) error
}

// rebind rewrites each ? in query to the dialect's placeholder. Queries in
// this package never contain ? inside string literals.
func rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Package sqlite provides the SQLite pieces of the local queue backend using
// the pure-Go modernc.org/sqlite driver: opening a database file with the
// pragmas the queue relies on, the SQL dialect, and error mapping.
package sqlite

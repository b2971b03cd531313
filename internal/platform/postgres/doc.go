// Package postgres provides the PostgreSQL pieces of the local queue backend:
// opening a pooled connection through the pgx stdlib driver, the SQL dialect
// used to build queue statements, and the mapping of PostgreSQL error codes to
// the store package's domain errors.
package postgres

// Package store defines the shared persistence primitives used by the queue
// backends: a DBTX abstraction over *sql.DB and *sql.Tx, transaction
// helpers, and the sentinel errors every store implementation maps its
// driver errors onto.
package store

//go:build integration

// Package testdb connects integration tests to a real PostgreSQL database.
//
// Tests using it are compiled only with the integration build tag and skip
// themselves when no database URL is configured:
//
//	SHELF_TEST_DATABASE_URL=postgres://localhost:5432/shelf_test?sslmode=disable \
//	    go test -tags=integration ./...
//
// Runners need committed rows, so tests are isolated by queue name rather
// than by rolled-back transactions. QueueName returns a fresh name per test.
package testdb

//go:build integration

package testdb

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/shelf/internal/platform/migrations"
	"github.com/phrazzld/shelf/internal/platform/postgres"
)

// TestTimeout bounds connection and migration setup.
const TestTimeout = 30 * time.Second

// urlEnvVars are checked in order by GetTestDatabaseURL.
var urlEnvVars = []string{"SHELF_TEST_DATABASE_URL", "DATABASE_URL"}

// GetTestDatabaseURL returns the first configured test database URL.
func GetTestDatabaseURL() string {
	for _, name := range urlEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ShouldSkipDatabaseTest reports whether no test database is configured.
func ShouldSkipDatabaseTest() bool {
	return GetTestDatabaseURL() == ""
}

// Open connects to the test database, applies migrations and closes the
// connection when the test ends. The test is skipped without a database.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	if ShouldSkipDatabaseTest() {
		t.Skip("no test database configured; set SHELF_TEST_DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, GetTestDatabaseURL(), postgres.DefaultPoolConfig(), slog.Default())
	require.NoError(t, err, "failed to connect to test database")

	m, err := migrations.New(db, "postgres", nil)
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx), "failed to migrate test database")

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// QueueName returns a queue name unique to this test run.
func QueueName(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return name + "_" + uuid.NewString()[:8]
}

// CleanupQueue deletes every job of queue when the test ends.
func CleanupQueue(t *testing.T, db *sql.DB, queue string) {
	t.Helper()
	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), `DELETE FROM queue_jobs WHERE queue = $1`, queue)
		if err != nil {
			t.Logf("failed to clean up queue %s: %v", queue, err)
		}
	})
}

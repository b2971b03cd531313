package migrations_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/phrazzld/shelf/internal/platform/migrations"
	"github.com/phrazzld/shelf/internal/platform/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteUpDown(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "m.db"), slog.Default())
	require.NoError(t, err)
	defer db.Close()

	m, err := migrations.New(db, "sqlite", nil)
	require.NoError(t, err)

	pending, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	require.NoError(t, m.Run(ctx, migrations.CommandUp))

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = db.ExecContext(ctx, `INSERT INTO queue_jobs
		(id, queue, payload, status, available_at, created_at, updated_at)
		VALUES ('a', 'q', x'00', 'pending', 0, 0, 0)`)
	require.NoError(t, err)

	require.NoError(t, m.Run(ctx, migrations.CommandDown))

	_, err = db.ExecContext(ctx, `SELECT 1 FROM queue_jobs`)
	assert.Error(t, err, "table should be dropped after down")
}

func TestUnknownDialectAndCommand(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "m.db"), slog.Default())
	require.NoError(t, err)
	defer db.Close()

	_, err = migrations.New(db, "oracle", nil)
	assert.ErrorIs(t, err, migrations.ErrUnknownDialect)

	m, err := migrations.New(db, "sqlite", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Run(ctx, "sideways"), migrations.ErrUnknownCommand)
}

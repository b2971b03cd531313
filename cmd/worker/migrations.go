package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/shelf/internal/config"
	"github.com/phrazzld/shelf/internal/platform/migrations"
	"github.com/phrazzld/shelf/internal/platform/postgres"
	"github.com/phrazzld/shelf/internal/platform/sqlite"
)

// errNoDatabase is returned by -migrate when no SQL database is configured.
var errNoDatabase = errors.New("no SQL database configured (set database.url or database.sqlite_path)")

// handleMigrations runs a goose command against the configured SQL
// database. Postgres wins over SQLite, matching backend selection.
func handleMigrations(ctx context.Context, cfg *config.Config, log *slog.Logger, command string) error {
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	switch {
	case cfg.Database.URL != "":
		dialect = "postgres"
		db, err = postgres.Open(ctx, cfg.Database.URL, postgres.DefaultPoolConfig(), log)
	case cfg.Database.SQLitePath != "":
		dialect = "sqlite"
		db, err = sqlite.Open(ctx, cfg.Database.SQLitePath, log)
	default:
		return errNoDatabase
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Error("failed to close database", "error", cerr)
		}
	}()

	m, err := migrations.New(db, dialect, log)
	if err != nil {
		return err
	}

	log.Info("executing migrations", "command", command, "dialect", dialect)
	if err := m.Run(ctx, command); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}

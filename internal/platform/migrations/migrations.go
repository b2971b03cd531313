// Package migrations applies the queue schema with goose. The SQL for each
// supported dialect is embedded in the binary.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var embedded embed.FS

// Supported commands for Run.
const (
	CommandUp     = "up"
	CommandDown   = "down"
	CommandStatus = "status"
)

// ErrUnknownDialect is returned for a dialect with no embedded migrations.
var ErrUnknownDialect = errors.New("no migrations for dialect")

// ErrUnknownCommand is returned by Run for an unsupported command.
var ErrUnknownCommand = errors.New("unknown migration command")

// Migrator runs the embedded migrations of one dialect against a database.
type Migrator struct {
	provider *goose.Provider
	logger   *slog.Logger
}

// New returns a Migrator for dialect ("postgres" or "sqlite").
func New(db *sql.DB, dialect string, logger *slog.Logger) (*Migrator, error) {
	var gooseDialect goose.Dialect
	switch dialect {
	case "postgres":
		gooseDialect = goose.DialectPostgres
	case "sqlite":
		gooseDialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}

	fsys, err := fs.Sub(embedded, "sql/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		provider: provider,
		logger:   logger.With("component", "migrations", "dialect", dialect),
	}, nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	start := time.Now()
	results, err := m.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, r := range results {
		m.logger.Info("migration applied",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds())
	}
	m.logger.Info("migrations up to date",
		"applied", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	result, err := m.provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	m.logger.Info("migration rolled back", "version", result.Source.Version)
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	return m.provider.GetDBVersion(ctx)
}

// Status logs the state of each migration and returns the number pending.
func (m *Migrator) Status(ctx context.Context) (int, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration status: %w", err)
	}

	pending := 0
	for _, s := range statuses {
		if s.State == goose.StatePending {
			pending++
		}
		m.logger.Info("migration status",
			"version", s.Source.Version,
			"path", s.Source.Path,
			"state", string(s.State),
			"applied_at", s.AppliedAt)
	}
	return pending, nil
}

// Run executes command, one of CommandUp, CommandDown or CommandStatus.
func (m *Migrator) Run(ctx context.Context, command string) error {
	switch command {
	case CommandUp:
		return m.Up(ctx)
	case CommandDown:
		return m.Down(ctx)
	case CommandStatus:
		_, err := m.Status(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/shelf/internal/config"
	"github.com/phrazzld/shelf/internal/distqueue"
	"github.com/phrazzld/shelf/internal/localqueue"
	"github.com/phrazzld/shelf/internal/platform/migrations"
	"github.com/phrazzld/shelf/internal/platform/postgres"
	"github.com/phrazzld/shelf/internal/platform/redis"
	"github.com/phrazzld/shelf/internal/platform/sqlite"
	"github.com/phrazzld/shelf/internal/queue"
)

// backendProviders lists the candidate backends in preference order: the
// distributed backend when Redis is configured, then Postgres, then SQLite.
func backendProviders(cfg *config.Config, log *slog.Logger) []queue.Provider {
	return []queue.Provider{
		{
			Name: "redis",
			Open: func(ctx context.Context) (queue.Backend, error) {
				if cfg.Redis.URL == "" {
					return nil, queue.ErrNotConfigured
				}
				client, err := redis.Open(ctx, cfg.Redis.URL)
				if err != nil {
					return nil, err
				}
				sub := redis.NewSubstrate(client, redis.WithOwnedClient())
				b, err := distqueue.New(sub, distqueue.Options{Logger: log})
				if err != nil {
					_ = sub.Close()
					return nil, err
				}
				return b, nil
			},
		},
		{
			Name: "postgres",
			Open: func(ctx context.Context) (queue.Backend, error) {
				if cfg.Database.URL == "" {
					return nil, queue.ErrNotConfigured
				}
				db, err := postgres.Open(ctx, cfg.Database.URL, postgres.DefaultPoolConfig(), log)
				if err != nil {
					return nil, err
				}
				return openLocal(ctx, db, postgres.Dialect{}, log)
			},
		},
		{
			Name: "sqlite",
			Open: func(ctx context.Context) (queue.Backend, error) {
				if cfg.Database.SQLitePath == "" {
					return nil, queue.ErrNotConfigured
				}
				db, err := sqlite.Open(ctx, cfg.Database.SQLitePath, log)
				if err != nil {
					return nil, err
				}
				return openLocal(ctx, db, sqlite.Dialect{}, log)
			},
		},
	}
}

// openLocal migrates db to the latest schema and wraps it in a local
// backend, which then owns db.
func openLocal(ctx context.Context, db *sql.DB, dialect localqueue.Dialect, log *slog.Logger) (queue.Backend, error) {
	m, err := migrations.New(db, dialect.Name(), log)
	if err == nil {
		err = m.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate %s schema: %w", dialect.Name(), err)
	}
	return localqueue.New(db, dialect, localqueue.Options{Logger: log}), nil
}

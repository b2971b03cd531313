// Package main implements the shelf worker: it selects a queue backend,
// runs the admin maintenance queue and its cron schedule, and serves the
// admin HTTP API with Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/shelf/internal/config"
	"github.com/phrazzld/shelf/internal/redact"
)

type flags struct {
	migrate    string
	issueToken string
	tokenTTL   time.Duration
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.StringVar(&f.migrate, "migrate", "", "run database migrations (up|down|status) and exit")
	fs.StringVar(&f.issueToken, "issue-token", "", "print an admin API token for this subject and exit")
	fs.DurationVar(&f.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if err := run(f); err != nil {
		log.Fatalf("worker failed: %s", redact.Error(err))
	}
}

func run(f flags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	logger.Info("worker configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_configured", cfg.Redis.URL != "",
		"database_configured", cfg.Database.URL != "",
		"sqlite_configured", cfg.Database.SQLitePath != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case f.migrate != "":
		return handleMigrations(ctx, cfg, logger, f.migrate)
	case f.issueToken != "":
		return printToken(os.Stdout, cfg, f.issueToken, f.tokenTTL)
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	if err := app.serve(ctx); err != nil {
		return err
	}
	slog.Info("worker shutdown completed")
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/phrazzld/shelf/internal/admin"
	"github.com/phrazzld/shelf/internal/api"
	apiMiddleware "github.com/phrazzld/shelf/internal/api/middleware"
	"github.com/phrazzld/shelf/internal/config"
	"github.com/phrazzld/shelf/internal/platform/metrics"
	"github.com/phrazzld/shelf/internal/queue"
)

// application holds the shared dependencies of the worker process and
// releases them on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	backend    queue.Backend
	inspector  queue.Inspector
	adminQueue *queue.Queue[admin.Task]
	runners    []queue.Runner
	scheduler  *admin.Scheduler

	registry    *prometheus.Registry
	collector   *metrics.Collector
	observer    *metrics.Observer
	httpMetrics *metrics.HTTP

	auth    *apiMiddleware.AuthMiddleware
	handler *api.QueueHandler
}

// newApplication resolves the queue backend and wires every component. It
// starts nothing; serve does.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	var err error
	app.auth, err = apiMiddleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admin authentication: %w", err)
	}

	app.backend, err = queue.Resolve(ctx, logger, backendProviders(cfg, logger)...)
	if err != nil {
		return nil, err
	}

	if err := app.wire(); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) wire() error {
	inspector, ok := app.backend.(queue.Inspector)
	if !ok {
		return fmt.Errorf("queue backend %s does not support inspection", app.backend.Name())
	}
	app.inspector = inspector

	if err := app.setupMetrics(); err != nil {
		return err
	}

	var err error
	app.adminQueue, err = admin.NewQueue(app.backend, admin.QueueSettings{
		NumRetries:     app.config.Queue.NumRetries,
		KeepFailedJobs: app.config.Queue.KeepFailedJobs,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin queue: %w", err)
	}

	adminRunner, err := queue.NewRunner(
		app.adminQueue,
		admin.NewHandler(app.inspector, app.logger).Handlers(),
		app.runnerOptions(),
	)
	if err != nil {
		return fmt.Errorf("failed to create admin runner: %w", err)
	}
	app.runners = append(app.runners, adminRunner)

	if schedule := app.config.Queue.MaintenanceSchedule; schedule != "" {
		app.scheduler, err = admin.NewScheduler(
			app.adminQueue,
			schedule,
			app.config.Queue.FailedRetentionHours,
			app.maintainedQueues,
			app.logger,
		)
		if err != nil {
			return err
		}
	}

	app.handler = api.NewQueueHandler(app.backend, app.inspector, app.adminQueue, app.logger)
	return nil
}

func (app *application) setupMetrics() error {
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.collector = metrics.NewCollector(app.backend, app.logger)
	app.collector.Register(admin.QueueName)
	for _, name := range app.config.Queue.Monitored {
		app.collector.Register(name)
	}
	if err := app.registry.Register(app.collector); err != nil {
		return fmt.Errorf("failed to register queue collector: %w", err)
	}

	var err error
	if app.observer, err = metrics.NewObserver(app.registry); err != nil {
		return fmt.Errorf("failed to register runner metrics: %w", err)
	}
	if app.httpMetrics, err = metrics.NewHTTP(app.registry); err != nil {
		return fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return nil
}

// runnerOptions maps the shared queue settings onto runner options.
func (app *application) runnerOptions() queue.RunnerOptions {
	q := app.config.Queue
	return queue.RunnerOptions{
		Concurrency:  q.Concurrency,
		PollInterval: time.Duration(q.PollIntervalMs) * time.Millisecond,
		Timeout:      time.Duration(q.TimeoutSecs) * time.Second,
		Observer:     app.observer,
		Logger:       app.logger,
	}
}

// maintainedQueues are the queues covered by scheduled purges, the admin
// queue included.
func (app *application) maintainedQueues() []string {
	return app.collector.Queues()
}

// start starts every runner and the maintenance schedule.
func (app *application) start() error {
	for i, r := range app.runners {
		if err := r.Start(); err != nil {
			for _, started := range app.runners[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start runner: %w", err)
		}
	}
	if app.scheduler != nil {
		app.scheduler.Start()
	}
	app.logger.Info("worker started",
		"backend", app.backend.Name(),
		"runners", len(app.runners),
		"maintenance_schedule", app.config.Queue.MaintenanceSchedule)
	return nil
}

// stop halts the schedule and waits for in-flight jobs.
func (app *application) stop(ctx context.Context) {
	if app.scheduler != nil {
		app.scheduler.Stop(ctx)
	}
	for _, r := range app.runners {
		r.Stop()
	}
}

// cleanup releases the backend. Runners must already be stopped.
func (app *application) cleanup() {
	if app.backend == nil {
		return
	}
	if err := app.backend.Close(); err != nil {
		app.logger.Error("failed to close queue backend", "error", err)
	}
	app.backend = nil
}

// printToken writes a signed admin API token to w.
func printToken(w io.Writer, cfg *config.Config, subject string, ttl time.Duration) error {
	auth, err := apiMiddleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

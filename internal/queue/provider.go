package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Provider is a candidate backend. Open returns ErrNotConfigured when the
// process has no configuration for it.
type Provider struct {
	Name string
	Open func(ctx context.Context) (Backend, error)
}

// Resolve opens providers in order and returns the first backend that opens
// successfully. Providers reporting ErrNotConfigured are skipped; any other
// error aborts resolution. The caller owns the returned backend for the
// lifetime of the process and passes it to every queue it creates.
func Resolve(ctx context.Context, log *slog.Logger, providers ...Provider) (Backend, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, p := range providers {
		if p.Open == nil {
			continue
		}

		backend, err := p.Open(ctx)
		if errors.Is(err, ErrNotConfigured) {
			log.Debug("queue backend not configured, skipping", "provider", p.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open queue backend %s: %w", p.Name, err)
		}

		log.Info("queue backend selected", "provider", p.Name, "backend", backend.Name())
		return backend, nil
	}

	return nil, ErrNotConfigured
}

// Package logger provides structured logging for the queue workers and the
// admin API.
//
// It uses Go's standard library log/slog package with a JSON handler and
// carries request- or job-scoped loggers through context.Context so that
// stores, runners and handlers can emit correlated entries.
package logger

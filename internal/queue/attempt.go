package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/shelf/internal/queue"

// Attempt runs one attempt of job through exec under opts.Timeout, inside an
// OpenTelemetry span. The handler runs on its own goroutine with a context
// that is cancelled at the deadline. If the deadline passes first, Attempt
// returns ErrTimeout without waiting for the handler: cancellation is
// best-effort and a handler that ignores its context keeps running after its
// slot has been given back.
func Attempt(ctx context.Context, exec Executor, job *Job, opts RunnerOptions) error {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	ctx, span := tracer.Start(ctx, "queue.job.attempt",
		trace.WithAttributes(
			attribute.String("queue.name", job.Queue),
			attribute.String("queue.job.id", job.ID),
			attribute.Int("queue.job.priority", job.Priority),
			attribute.String("queue.job.group_id", job.GroupID),
			attribute.Int("queue.job.run_number", job.RunNumber),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	err := runWithTimeout(ctx, exec, job, opts.Timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("queue.job.permanent", IsPermanent(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func runWithTimeout(ctx context.Context, exec Executor, job *Job, timeout time.Duration) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- exec.Run(runCtx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

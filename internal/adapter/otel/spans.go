package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor"

// StartRunSpan starts a span covering one run execution.
func StartRunSpan(ctx context.Context, runID, packageID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("package.id", packageID),
		),
	)
}

// StartStageSpan starts a span for one orchestrator stage.
func StartStageSpan(ctx context.Context, runID, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage", stage),
		),
	)
}

// StartWorkerSpan starts a span for one worker task attempt.
func StartWorkerSpan(ctx context.Context, runID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "worker",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("task.id", taskID),
		),
	)
}

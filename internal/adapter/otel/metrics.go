package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics holds all Conductor metric instruments.
type Metrics struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	workerTasks  metric.Int64Counter
	runDuration  metric.Float64Histogram
	runTokens    metric.Int64Histogram
	runCost      metric.Float64Histogram
}

// NewMetrics creates all metric instruments against the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.runsStarted, err = meter.Int64Counter("conductor.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.runsFinished, err = meter.Int64Counter("conductor.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.workerTasks, err = meter.Int64Counter("conductor.worker.tasks",
		metric.WithDescription("Number of worker task dispatches"))
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram("conductor.run.duration_seconds",
		metric.WithDescription("Run wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.runTokens, err = meter.Int64Histogram("conductor.run.tokens",
		metric.WithDescription("Adapter tokens consumed per run"))
	if err != nil {
		return nil, err
	}

	m.runCost, err = meter.Float64Histogram("conductor.run.cost_usd",
		metric.WithDescription("Adapter cost per run in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted records a queued-to-running transition.
func (m *Metrics) RunStarted(ctx context.Context) {
	m.runsStarted.Add(ctx, 1)
}

// RunFinished records a terminal transition with its outcome attributes.
func (m *Metrics) RunFinished(ctx context.Context, status, reason string, dur time.Duration, tokens int64, costUSD float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, dur.Seconds(), attrs)
	m.runTokens.Record(ctx, tokens, attrs)
	m.runCost.Record(ctx, costUSD, attrs)
}

// WorkerDispatched records one worker task dispatch.
func (m *Metrics) WorkerDispatched(ctx context.Context) {
	m.workerTasks.Add(ctx, 1)
}

package otelsetup

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics bundles the counters every worker pipeline increments so
// outbox throughput and dead-lettering are visible in the shared
// Prometheus registry without each pipeline wiring its own instruments.
type WorkerMetrics struct {
	Processed metric.Int64Counter
	Failed    metric.Int64Counter
	DeadLettered metric.Int64Counter
}

// NewWorkerMetrics creates the counters against the global meter provider
// installed by Setup.
func NewWorkerMetrics() (*WorkerMetrics, error) {
	meter := otel.Meter("github.com/bturcanu/OpenClause/worker")

	processed, err := meter.Int64Counter("worker_outbox_processed_total",
		metric.WithDescription("outbox entries successfully processed, by pipeline"))
	if err != nil {
		return nil, fmt.Errorf("otelsetup.NewWorkerMetrics processed counter: %w", err)
	}
	failed, err := meter.Int64Counter("worker_outbox_failed_total",
		metric.WithDescription("pipeline runs that returned an error, by pipeline"))
	if err != nil {
		return nil, fmt.Errorf("otelsetup.NewWorkerMetrics failed counter: %w", err)
	}
	deadLettered, err := meter.Int64Counter("worker_outbox_dead_lettered_total",
		metric.WithDescription("outbox entries moved to dead letter, by pipeline"))
	if err != nil {
		return nil, fmt.Errorf("otelsetup.NewWorkerMetrics dead letter counter: %w", err)
	}

	return &WorkerMetrics{Processed: processed, Failed: failed, DeadLettered: deadLettered}, nil
}

// RecordProcessed increments the processed counter for a pipeline.
func (m *WorkerMetrics) RecordProcessed(ctx context.Context, pipeline string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.Processed.Add(ctx, n, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}

// RecordFailed increments the failed counter for a pipeline run that
// returned an error.
func (m *WorkerMetrics) RecordFailed(ctx context.Context, pipeline string) {
	if m == nil {
		return
	}
	m.Failed.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}

// RecordDeadLettered increments the dead-letter counter for a pipeline.
func (m *WorkerMetrics) RecordDeadLettered(ctx context.Context, pipeline string) {
	if m == nil {
		return
	}
	m.DeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}

package scheduler

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rezkam/jobstore/internal/application/scheduler"

// storeMetrics are the counters the fire manager and sweeper report against
// the global meter provider. The binary decides where they are exported.
type storeMetrics struct {
	acquired  metric.Int64Counter
	fired     metric.Int64Counter
	completed metric.Int64Counter
	misfired  metric.Int64Counter
}

func newStoreMetrics() *storeMetrics {
	meter := otel.Meter(meterName)
	m := &storeMetrics{}

	var err error
	if m.acquired, err = meter.Int64Counter("jobstore.triggers.acquired",
		metric.WithDescription("Triggers acquired for firing")); err != nil {
		slog.Warn("failed to create acquired counter", "error", err)
	}
	if m.fired, err = meter.Int64Counter("jobstore.triggers.fired",
		metric.WithDescription("Triggers handed to the worker pool")); err != nil {
		slog.Warn("failed to create fired counter", "error", err)
	}
	if m.completed, err = meter.Int64Counter("jobstore.triggers.completed",
		metric.WithDescription("Trigger executions reported complete")); err != nil {
		slog.Warn("failed to create completed counter", "error", err)
	}
	if m.misfired, err = meter.Int64Counter("jobstore.triggers.misfired",
		metric.WithDescription("Triggers handled by the misfire sweeper")); err != nil {
		slog.Warn("failed to create misfired counter", "error", err)
	}
	return m
}

func (m *storeMetrics) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

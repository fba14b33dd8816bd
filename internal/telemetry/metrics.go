package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TaskAttrs labels task metrics with their source and outcome.
func TaskAttrs(source, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.source", source),
		attribute.String("task.outcome", outcome),
	}
}

// Metrics holds the host's metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	TriageFallbacks metric.Int64Counter
	DeliveryDrops   metric.Int64Counter
	SandboxDegrades metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("valet.tasks.created",
		metric.WithDescription("Tasks enqueued by ingestion adapters"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("valet.tasks.completed",
		metric.WithDescription("Tasks that reached completed status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("valet.tasks.failed",
		metric.WithDescription("Tasks that reached terminal failed status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("valet.tasks.retried",
		metric.WithDescription("Tasks returned to pending after a retryable failure"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("valet.task.duration",
		metric.WithDescription("Full task pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageFallbacks, err = meter.Int64Counter("valet.triage.fallbacks",
		metric.WithDescription("Context triage failures resolved by the recency fallback"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDrops, err = meter.Int64Counter("valet.delivery.drops",
		metric.WithDescription("Progress updates dropped by debounce or cap"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxDegrades, err = meter.Int64Counter("valet.sandbox.degrades",
		metric.WithDescription("Tasks executed without sandboxing because the isolation tool was unavailable"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepth observes the number of pending tasks through the given
// reader. The returned registration must be unregistered on shutdown.
func RegisterQueueDepth(meter metric.Meter, depth func(context.Context) (int, error)) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("valet.queue.depth",
		metric.WithDescription("Tasks currently waiting in pending status"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := depth(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
}

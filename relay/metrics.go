package relay

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	eventsRelayed     metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsStateFailed metric.Int64Counter
	eventsReclaimed   metric.Int64Counter
	tickLatency       metric.Float64Histogram
	batchDepth        metric.Int64Gauge
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("careloop.relay")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.eventsRelayed, err = meter.Int64Counter(
		"outbox.events.relayed",
		metric.WithDescription("Number of outbox records confirmed by the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.relayed counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox records that failed to publish"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.eventsStateFailed, err = meter.Int64Counter(
		"outbox.events.state_update_failed",
		metric.WithDescription("Number of records published but not persisted as PROCESSED"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	metrics.eventsReclaimed, err = meter.Int64Counter(
		"outbox.events.reclaimed",
		metric.WithDescription("Number of stale PROCESSING records reclaimed from dead relays"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.reclaimed counter: %w", err)
	}

	metrics.tickLatency, err = meter.Float64Histogram(
		"outbox.tick.latency",
		metric.WithDescription("Time taken per relay pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.tick.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of records claimed in a relay pass"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}

package consumer

import (
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	applied      metric.Int64Counter
	duplicates   metric.Int64Counter
	failures     metric.Int64Counter
	deadLettered metric.Int64Counter
}

func newDispatcherMetrics(mp metric.MeterProvider) dispatcherMetrics {
	meter := mp.Meter("github.com/md-rashed-zaman/eventrelay/libs/consumer")
	// Instrument creation only fails on invalid names; the returned no-op instrument is usable.
	applied, _ := meter.Int64Counter("consumer.applied", metric.WithDescription("Events applied to derived state"))
	duplicates, _ := meter.Int64Counter("consumer.duplicates", metric.WithDescription("Redelivered events rejected by the dedup ledger"))
	failures, _ := meter.Int64Counter("consumer.failures", metric.WithDescription("Failed handler attempts"))
	deadLettered, _ := meter.Int64Counter("consumer.dead_lettered", metric.WithDescription("Messages routed to the dead-letter channel"))
	return dispatcherMetrics{
		applied:      applied,
		duplicates:   duplicates,
		failures:     failures,
		deadLettered: deadLettered,
	}
}

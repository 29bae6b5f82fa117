package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

type publisherMetrics struct {
	published         metric.Int64Counter
	failures          metric.Int64Counter
	permanentFailures metric.Int64Counter
}

func newPublisherMetrics(mp metric.MeterProvider, source Source, logger *slog.Logger) publisherMetrics {
	meter := mp.Meter("github.com/md-rashed-zaman/eventrelay/libs/outbox")
	published, _ := meter.Int64Counter("outbox.published", metric.WithDescription("Outbox records acknowledged by the broker"))
	failures, _ := meter.Int64Counter("outbox.publish.failures", metric.WithDescription("Transient publish failures"))
	permanent, _ := meter.Int64Counter("outbox.publish.permanent_failures", metric.WithDescription("Records the broker rejected as invalid"))

	age, _ := meter.Float64ObservableGauge("outbox.backlog.age",
		metric.WithUnit("s"),
		metric.WithDescription("Age of the oldest unpublished outbox record"))
	size, _ := meter.Int64ObservableGauge("outbox.backlog.size",
		metric.WithDescription("Unpublished outbox records"))

	_, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		b, err := source.Backlog(ctx)
		if err != nil {
			logger.Warn("outbox backlog probe failed", "err", err)
			return nil
		}
		o.ObserveInt64(size, b.Size)
		var seconds float64
		if b.Size > 0 && !b.Oldest.IsZero() {
			seconds = time.Since(b.Oldest).Seconds()
		}
		o.ObserveFloat64(age, seconds)
		return nil
	}, age, size)
	if err != nil {
		logger.Warn("outbox backlog gauges not registered", "err", err)
	}

	return publisherMetrics{
		published:         published,
		failures:          failures,
		permanentFailures: permanent,
	}
}

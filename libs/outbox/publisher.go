package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/periodic"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Source is the outbox store as seen by the publisher. *Repository implements it.
type Source interface {
	ClaimUnpublished(ctx context.Context, limit int, fn func(ctx context.Context, batch []Record) BatchResult) error
	Backlog(ctx context.Context) (Backlog, error)
}

// Broker acknowledges a message by returning nil. *kafkax.Producer implements it.
type Broker interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
	// Breaker trips after this many consecutive transient broker failures.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	MeterProvider   metric.MeterProvider
}

type Publisher struct {
	source  Source
	broker  Broker
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
	cfg     PublisherConfig
	metrics publisherMetrics
}

func NewPublisher(source Source, broker Broker, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 10 * time.Second
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	p := &Publisher{
		source: source,
		broker: broker,
		logger: logger.With("component", "outbox_publisher"),
		cfg:    cfg,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-broker",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A rejected message says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || kafkax.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("broker circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.metrics = newPublisherMetrics(cfg.MeterProvider, source, p.logger)
	return p
}

// Task wraps Tick in a periodic task so overlapping ticks are skipped and shutdown drains
// the in-flight batch.
func (p *Publisher) Task() *periodic.Task {
	return periodic.New("outbox-publisher", p.cfg.PollEvery, p.Tick, p.logger, periodic.WithRunTimeout(30*time.Second))
}

func (p *Publisher) Run(ctx context.Context) {
	p.Task().Run(ctx)
}

// Tick publishes one batch. A failed record blocks the rest of its partition key for this
// tick, so a key is never published out of creation order.
func (p *Publisher) Tick(ctx context.Context) error {
	return p.source.ClaimUnpublished(ctx, p.cfg.BatchSize, func(ctx context.Context, batch []Record) BatchResult {
		return p.publishBatch(ctx, batch)
	})
}

func (p *Publisher) publishBatch(ctx context.Context, batch []Record) BatchResult {
	var res BatchResult
	blocked := make(map[string]bool)

	for _, rec := range batch {
		if blocked[rec.PartitionKey] {
			continue
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.broker.Publish(ctx, rec.Topic, rec.Envelope())
		})
		if err == nil {
			res.Published = append(res.Published, rec.ID)
			p.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", rec.EventType)))
			continue
		}

		blocked[rec.PartitionKey] = true
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Warn("broker circuit open, leaving batch for a later tick",
				"claimed", len(batch), "published", len(res.Published))
			return res
		}

		attrs := metric.WithAttributes(attribute.String("event.type", rec.EventType))
		if kafkax.IsPermanent(err) {
			p.metrics.permanentFailures.Add(ctx, 1, attrs)
			p.logger.Error("broker rejected outbox record, it stays unpublished",
				"err", err, "event_id", rec.EventID, "event_type", rec.EventType, "partition_key", rec.PartitionKey)
		} else {
			p.metrics.failures.Add(ctx, 1, attrs)
			p.logger.Warn("outbox publish failed, will retry",
				"err", err, "event_id", rec.EventID, "event_type", rec.EventType, "partition_key", rec.PartitionKey)
		}
		res.Failed = append(res.Failed, Failure{ID: rec.ID, Err: err.Error()})
	}
	return res
}

// ErrBreakerOpen is reported by ReadyCheck while the publisher is not calling the broker.
var ErrBreakerOpen = errors.New("outbox broker circuit open")

func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// ReadyCheck fails while the broker circuit is open.
func (p *Publisher) ReadyCheck(context.Context) error {
	if p.breaker.State() == gobreaker.StateOpen {
		return ErrBreakerOpen
	}
	return nil
}

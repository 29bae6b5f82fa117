// Package consumer turns broker deliveries into effectively-once state changes: every
// event is applied through the dedup ledger and acknowledged only after the local commit.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var ErrHandlerNotRegistered = errors.New("no handler registered for event type")

// Handler applies one event inside the ledger transaction.
type Handler func(ctx context.Context, tx pgx.Tx, env envelope.Envelope) error

// Ledger is implemented by *inbox.Ledger.
type Ledger interface {
	Apply(ctx context.Context, group string, env envelope.Envelope, fn inbox.ApplyFunc) (bool, error)
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "skipped"
	}
}

type Config struct {
	Group          string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MeterProvider  metric.MeterProvider
}

type Dispatcher struct {
	logger *slog.Logger
	ledger Ledger
	cfg    Config

	mu       sync.RWMutex
	handlers map[string]Handler
	attempts *xsync.MapOf[string, int]
	metrics  dispatcherMetrics
}

func New(logger *slog.Logger, ledger Ledger, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	return &Dispatcher{
		logger:   logger.With("consumer_group", cfg.Group),
		ledger:   ledger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		attempts: xsync.NewMapOf[string, int](),
		metrics:  newDispatcherMetrics(cfg.MeterProvider),
	}
}

func (d *Dispatcher) Group() string { return d.cfg.Group }

// Register binds a handler to an exact versioned event type.
func (d *Dispatcher) Register(eventType string, h Handler) {
	if _, _, err := envelope.ParseType(eventType); err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

// Topics lists the default topics of every registered event type.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topics := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, envelope.Topic(t))
	}
	sort.Strings(topics)
	return topics
}

func (d *Dispatcher) handler(eventType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// Handle applies env through the ledger. Unknown types are skipped; duplicates are not an error.
func (d *Dispatcher) Handle(ctx context.Context, env envelope.Envelope) (Outcome, error) {
	h, ok := d.handler(env.EventType)
	if !ok {
		d.logger.Warn("no handler for event type, skipping", "event_type", env.EventType, "event_id", env.EventID)
		return OutcomeSkipped, nil
	}
	applied, err := d.ledger.Apply(ctx, d.cfg.Group, env, func(ctx context.Context, tx pgx.Tx) error {
		return h(ctx, tx, env)
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	attrs := metric.WithAttributes(
		attribute.String("consumer.group", d.cfg.Group),
		attribute.String("event.type", env.EventType),
	)
	if !applied {
		d.metrics.duplicates.Add(ctx, 1, attrs)
		d.logger.Info("duplicate event ignored", "event_id", env.EventID, "event_type", env.EventType)
		return OutcomeDuplicate, nil
	}
	d.metrics.applied.Add(ctx, 1, attrs)
	return OutcomeApplied, nil
}

// Run fetches from src until ctx is cancelled. A message is acknowledged only after it
// was applied, found duplicate, skipped, or parked on the dead-letter sink.
func (d *Dispatcher) Run(ctx context.Context, src Source, dlq DeadLetterSink) error {
	fetchFailures := 0
	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			d.logger.Error("fetch failed", "err", err)
			if werr := sleep(ctx, d.delay(fetchFailures)); werr != nil {
				return nil
			}
			continue
		}
		fetchFailures = 0

		if ok := d.process(ctx, msg, dlq); !ok {
			// Not acknowledged: shutdown interrupted the retries or the dead-letter write.
			return nil
		}
		if err := src.Ack(context.WithoutCancel(ctx), msg); err != nil {
			d.logger.Error("ack failed, message will be redelivered", "err", err, "message", msg.String())
		}
	}
}

// process reports whether msg may be acknowledged.
func (d *Dispatcher) process(ctx context.Context, msg Message, dlq DeadLetterSink) bool {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	msgCtx, span := otel.Tracer("kafka").Start(msgCtx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.consumer.group", d.cfg.Group),
		),
	)
	defer span.End()

	env, err := envelope.Decode(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable")
		d.logger.Error("undecodable message, dead-lettering", "err", err, "message", msg.String())
		return d.deadLetter(msgCtx, msg, dlq, fmt.Sprintf("undecodable: %v", err), 1)
	}
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
	)

	key := d.cfg.Group + "/" + env.EventID
	var lastErr error
	op := func() (Outcome, error) {
		attempt, _ := d.attempts.Compute(key, func(old int, _ bool) (int, bool) { return old + 1, false })
		// The apply transaction must finish even when shutdown starts mid-flight.
		outcome, err := d.Handle(context.WithoutCancel(msgCtx), env)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		d.metrics.failures.Add(msgCtx, 1, metric.WithAttributes(
			attribute.String("consumer.group", d.cfg.Group),
			attribute.String("event.type", env.EventType),
		))
		d.logger.Warn("handler failed", "err", err, "event_id", env.EventID, "event_type", env.EventType, "attempt", attempt)
		if IsPermanent(err) {
			return outcome, backoff.Permanent(err)
		}
		return outcome, err
	}

	_, err = backoff.Retry(msgCtx, op,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		d.attempts.Delete(key)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	attempts, _ := d.attempts.LoadAndDelete(key)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "dead-lettered")
	reason := "handler failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return d.deadLetter(msgCtx, msg, dlq, reason, attempts)
}

func (d *Dispatcher) deadLetter(ctx context.Context, msg Message, dlq DeadLetterSink, reason string, attempts int) bool {
	dl := DeadLetter{
		Message:  msg,
		Reason:   reason,
		Attempts: attempts,
		Group:    d.cfg.Group,
		FailedAt: time.Now().UTC(),
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := dlq.Send(context.WithoutCancel(ctx), dl)
		if err != nil {
			d.logger.Error("dead-letter write failed", "err", err, "message", msg.String())
		}
		return struct{}{}, err
	}, backoff.WithBackOff(d.newBackOff()), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return false
	}
	d.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer.group", d.cfg.Group),
		attribute.String("messaging.destination", msg.Topic),
	))
	d.logger.Error("message dead-lettered", "message", msg.String(), "reason", reason, "attempts", attempts)
	return true
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	return b
}

func (d *Dispatcher) delay(failures int) time.Duration {
	delay := d.cfg.InitialBackoff << min(failures, 16)
	if delay <= 0 || delay > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

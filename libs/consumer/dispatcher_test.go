package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/otel/oteltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{seen: map[string]bool{}} }

func (l *memLedger) Apply(ctx context.Context, group string, env envelope.Envelope, fn inbox.ApplyFunc) (bool, error) {
	key := group + "/" + env.EventID
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false, nil
	}
	if err := fn(ctx, nil); err != nil {
		return false, err
	}
	l.seen[key] = true
	return true, nil
}

type memSource struct {
	mu    sync.Mutex
	queue []Message
	acked []Message
	next  chan struct{}
}

func newMemSource(msgs ...Message) *memSource {
	return &memSource{queue: msgs, next: make(chan struct{}, 1)}
}

func (s *memSource) Fetch(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.next:
		}
	}
}

func (s *memSource) Ack(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, msg)
	return nil
}

func (s *memSource) Acked() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.acked...)
}

type memDLQ struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (d *memDLQ) Send(_ context.Context, dl DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, dl)
	return nil
}

func (d *memDLQ) Letters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.letters...)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEnvelope(t *testing.T, eventType string) envelope.Envelope {
	t.Helper()
	return envelope.Envelope{
		EventID:      uuid.Must(uuid.NewV7()).String(),
		EventType:    eventType,
		OccurredAt:   time.Now().UTC(),
		Producer:     "test",
		PartitionKey: "key-1",
		Payload:      json.RawMessage(`{"n":1}`),
	}
}

func message(t *testing.T, env envelope.Envelope, offset int64) Message {
	t.Helper()
	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	return Message{Topic: envelope.Topic(env.EventType), Offset: offset, Key: []byte(env.PartitionKey), Value: raw}
}

func newDispatcher(t *testing.T, ledger Ledger, metrics *oteltest.Metrics) *Dispatcher {
	return New(discardLogger(), ledger, Config{
		Group:          "test-group",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MeterProvider:  metrics.Provider,
	})
}

// runUntilDrained runs the dispatcher until every message is acknowledged.
func runUntilDrained(t *testing.T, d *Dispatcher, src *memSource, dlq *memDLQ, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx, src, dlq) }()
	require.Eventually(t, func() bool { return len(src.Acked()) == want }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestHandleAppliesOnce(t *testing.T) {
	metrics := oteltest.NewMetrics(t)
	d := newDispatcher(t, newMemLedger(), metrics)
	var calls int
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error { calls++; return nil })

	env := newEnvelope(t, "VoteChanged.v1")
	outcome, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), metrics.Int64Sum(t, "consumer.applied"))
	assert.Equal(t, int64(1), metrics.Int64Sum(t, "consumer.duplicates"))
}

func TestHandleSkipsUnknownType(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	outcome, err := d.Handle(context.Background(), newEnvelope(t, "SomethingElse.v1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestRegisterRejectsUnversionedType(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	assert.Panics(t, func() { d.Register("VoteChanged", nil) })
}

func TestTopics(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	noop := func(context.Context, pgx.Tx, envelope.Envelope) error { return nil }
	d.Register("VoteChanged.v1", noop)
	d.Register("PlanChanged.v1", noop)
	assert.Equal(t, []string{"plan.changed.v1", "vote.changed.v1"}, d.Topics())
}

func TestRunAppliesRedeliveredDuplicatesOnce(t *testing.T) {
	metrics := oteltest.NewMetrics(t)
	d := newDispatcher(t, newMemLedger(), metrics)
	var calls atomic.Int32
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error { calls.Add(1); return nil })

	env := newEnvelope(t, "VoteChanged.v1")
	src := newMemSource(message(t, env, 1), message(t, env, 2), message(t, env, 3))
	dlq := &memDLQ{}

	runUntilDrained(t, d, src, dlq, 3)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, dlq.Letters())
	assert.Equal(t, int64(2), metrics.Int64Sum(t, "consumer.duplicates"))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	metrics := oteltest.NewMetrics(t)
	d := newDispatcher(t, newMemLedger(), metrics)
	var calls atomic.Int32
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("deadlock detected")
		}
		return nil
	})

	src := newMemSource(message(t, newEnvelope(t, "VoteChanged.v1"), 1))
	dlq := &memDLQ{}
	runUntilDrained(t, d, src, dlq, 1)

	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, dlq.Letters())
	assert.Equal(t, int64(2), metrics.Int64Sum(t, "consumer.failures"))
	assert.Equal(t, int64(1), metrics.Int64Sum(t, "consumer.applied"))
}

func TestRunDeadLettersAfterMaxAttempts(t *testing.T) {
	metrics := oteltest.NewMetrics(t)
	d := newDispatcher(t, newMemLedger(), metrics)
	var calls atomic.Int32
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error {
		calls.Add(1)
		return errors.New("post_scores check violated")
	})

	failing := message(t, newEnvelope(t, "VoteChanged.v1"), 7)
	src := newMemSource(failing)
	dlq := &memDLQ{}
	runUntilDrained(t, d, src, dlq, 1)

	assert.Equal(t, int32(3), calls.Load())
	letters := dlq.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, failing.Offset, letters[0].Message.Offset)
	assert.Equal(t, failing.Value, letters[0].Message.Value)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "test-group", letters[0].Group)
	assert.Contains(t, letters[0].Reason, "post_scores check violated")
	assert.Equal(t, int64(1), metrics.Int64Sum(t, "consumer.dead_lettered"))
}

func TestRunDeadLettersPermanentFailureImmediately(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	var calls atomic.Int32
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error {
		calls.Add(1)
		return Permanent(errors.New("payload does not match VoteChanged.v1"))
	})

	src := newMemSource(message(t, newEnvelope(t, "VoteChanged.v1"), 1))
	dlq := &memDLQ{}
	runUntilDrained(t, d, src, dlq, 1)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, dlq.Letters(), 1)
	assert.Equal(t, 1, dlq.Letters()[0].Attempts)
}

func TestRunDeadLettersPoisonMessage(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	good := message(t, newEnvelope(t, "VoteChanged.v1"), 2)
	src := newMemSource(Message{Topic: "vote.changed.v1", Offset: 1, Value: []byte("not json")}, good)
	d.Register("VoteChanged.v1", func(context.Context, pgx.Tx, envelope.Envelope) error { return nil })
	dlq := &memDLQ{}
	runUntilDrained(t, d, src, dlq, 2)

	letters := dlq.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, int64(1), letters[0].Message.Offset)
	assert.Contains(t, letters[0].Reason, "undecodable")
}

func TestRunAcksSkippedTypes(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	src := newMemSource(message(t, newEnvelope(t, "Unrelated.v1"), 1))
	dlq := &memDLQ{}
	runUntilDrained(t, d, src, dlq, 1)
	assert.Empty(t, dlq.Letters())
}

func TestRunCompletesInFlightApplyOnShutdown(t *testing.T) {
	d := newDispatcher(t, newMemLedger(), oteltest.NewMetrics(t))
	entered := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool
	d.Register("VoteChanged.v1", func(ctx context.Context, _ pgx.Tx, _ envelope.Envelope) error {
		close(entered)
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	})

	src := newMemSource(message(t, newEnvelope(t, "VoteChanged.v1"), 1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx, src, &memDLQ{}) }()

	<-entered
	cancel()
	close(release)
	require.NoError(t, <-done)

	assert.False(t, cancelled.Load())
	assert.Len(t, src.Acked(), 1)
}

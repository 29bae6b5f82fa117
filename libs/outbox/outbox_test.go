package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/libs/otel/oteltest"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mimics outbox_events: claimed rows are invisible to other claimers until the
// claim finishes, a failing commit discards the claim result, and a key with a failed
// head offers only that head, after every first attempt.
type memStore struct {
	mu          sync.Mutex
	records     []*Record
	locked      map[int64]bool
	failCommits int
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{locked: map[int64]bool{}}
}

func (s *memStore) add(t *testing.T, eventType, key string) Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := &Record{
		ID:           s.nextID,
		EventID:      uuid.Must(uuid.NewV7()).String(),
		EventType:    eventType,
		PartitionKey: key,
		Topic:        envelope.Topic(eventType),
		Producer:     "test",
		Payload:      json.RawMessage(fmt.Sprintf(`{"seq":%d}`, s.nextID)),
		CreatedAt:    time.Now().UTC().Add(time.Duration(s.nextID) * time.Microsecond),
	}
	s.records = append(s.records, rec)
	return *rec
}

func (s *memStore) ClaimUnpublished(ctx context.Context, limit int, fn func(context.Context, []Record) BatchResult) error {
	s.mu.Lock()
	var fresh, retry []Record
	failedHead := map[string]bool{}
	for _, r := range s.records {
		if r.Published || failedHead[r.PartitionKey] {
			continue
		}
		if r.Attempts > 0 {
			failedHead[r.PartitionKey] = true
		}
		if s.locked[r.ID] {
			continue
		}
		if r.Attempts > 0 {
			retry = append(retry, *r)
		} else {
			fresh = append(fresh, *r)
		}
	}
	batch := append(fresh, retry...)
	if len(batch) > limit {
		batch = batch[:limit]
	}
	for _, r := range batch {
		s.locked[r.ID] = true
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	res := fn(ctx, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		delete(s.locked, r.ID)
	}
	if s.failCommits > 0 {
		s.failCommits--
		return errors.New("commit: connection reset by peer")
	}
	for _, id := range res.Published {
		if r := s.byID(id); r != nil && !r.Published {
			now := time.Now()
			r.Published, r.PublishedAt = true, &now
			r.Attempts++
		}
	}
	for _, f := range res.Failed {
		if r := s.byID(f.ID); r != nil && !r.Published {
			r.Attempts++
			r.LastError = f.Err
		}
	}
	return nil
}

func (s *memStore) byID(id int64) *Record {
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *memStore) Backlog(context.Context) (Backlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b Backlog
	for _, r := range s.records {
		if r.Published {
			continue
		}
		b.Size++
		if b.Oldest.IsZero() || r.CreatedAt.Before(b.Oldest) {
			b.Oldest = r.CreatedAt
		}
	}
	return b, nil
}

func (s *memStore) unpublished() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if !r.Published {
			out = append(out, *r)
		}
	}
	return out
}

type sent struct {
	topic string
	env   envelope.Envelope
}

type fakeBroker struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[string]error // by partition key
	calls int
}

func (b *fakeBroker) Publish(_ context.Context, topic string, env envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.fail[env.PartitionKey]; err != nil {
		return err
	}
	b.sent = append(b.sent, sent{topic: topic, env: env})
	return nil
}

func (b *fakeBroker) setFailure(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail == nil {
		b.fail = map[string]error{}
	}
	if err == nil {
		delete(b.fail, key)
		return
	}
	b.fail[key] = err
}

func (b *fakeBroker) Sent() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.sent...)
}

func (b *fakeBroker) keysInOrder(key string) []string {
	var ids []string
	for _, s := range b.Sent() {
		if s.env.PartitionKey == key {
			ids = append(ids, s.env.EventID)
		}
	}
	return ids
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestPublisher(t *testing.T, store Source, broker Broker, metrics *oteltest.Metrics) *Publisher {
	t.Helper()
	return NewPublisher(store, broker, discardLogger(), PublisherConfig{
		BatchSize:       50,
		BreakerFailures: 100,
		MeterProvider:   metrics.Provider,
	})
}

func TestNewEvent(t *testing.T) {
	evt, err := NewEvent("VoteChanged.v1", "post-1", map[string]int{"current": 1})
	require.NoError(t, err)
	assert.Equal(t, "vote.changed.v1", evt.Topic)
	assert.JSONEq(t, `{"current":1}`, string(evt.Payload))
	assert.Equal(t, "custom", evt.WithTopic("custom").Topic)

	_, err = NewEvent("VoteChanged", "post-1", nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidEventType)

	_, err = NewEvent("VoteChanged.v1", "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyPartitionKey)

	_, err = NewEvent("VoteChanged.v1", "post-1", func() {})
	assert.Error(t, err)
}

func TestTickPublishesAndMarks(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	metrics := oteltest.NewMetrics(t)
	p := newTestPublisher(t, store, broker, metrics)

	a := store.add(t, "VoteChanged.v1", "post-1")
	b := store.add(t, "VoteChanged.v1", "post-2")
	c := store.add(t, "VoteChanged.v1", "post-1")

	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, store.unpublished())
	assert.Equal(t, []string{a.EventID, c.EventID}, broker.keysInOrder("post-1"))
	assert.Equal(t, []string{b.EventID}, broker.keysInOrder("post-2"))
	assert.Equal(t, "vote.changed.v1", broker.Sent()[0].topic)
	assert.Equal(t, int64(3), metrics.Int64Sum(t, "outbox.published"))

	// Nothing left: a second tick is a no-op.
	require.NoError(t, p.Tick(context.Background()))
	assert.Len(t, broker.Sent(), 3)
}

func TestFailingKeyBlocksOnlyItsOwnKey(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	metrics := oteltest.NewMetrics(t)
	p := newTestPublisher(t, store, broker, metrics)

	a1 := store.add(t, "VoteChanged.v1", "A")
	b1 := store.add(t, "VoteChanged.v1", "B")
	a2 := store.add(t, "VoteChanged.v1", "A")
	b2 := store.add(t, "VoteChanged.v1", "B")

	broker.setFailure("A", errors.New("leader not available"))
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, []string{b1.EventID, b2.EventID}, broker.keysInOrder("B"))
	assert.Empty(t, broker.keysInOrder("A"))
	pending := store.unpublished()
	require.Len(t, pending, 2)
	assert.Equal(t, a1.EventID, pending[0].EventID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "leader not available")
	// a2 was skipped, not attempted.
	assert.Equal(t, 0, pending[1].Attempts)
	assert.Equal(t, int64(1), metrics.Int64Sum(t, "outbox.publish.failures"))

	broker.setFailure("A", nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, []string{a1.EventID}, broker.keysInOrder("A"))
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, []string{a1.EventID, a2.EventID}, broker.keysInOrder("A"))
	assert.Empty(t, store.unpublished())
}

func TestFailingKeyBacklogDoesNotStarveOtherKeys(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	metrics := oteltest.NewMetrics(t)
	p := NewPublisher(store, broker, discardLogger(), PublisherConfig{
		BatchSize:       5,
		BreakerFailures: 100,
		MeterProvider:   metrics.Provider,
	})

	var huge []string
	for i := 0; i < 5; i++ {
		huge = append(huge, store.add(t, "VoteChanged.v1", "A").EventID)
	}
	b1 := store.add(t, "VoteChanged.v1", "B")
	broker.setFailure("A", kafka.MessageSizeTooLarge)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Tick(context.Background()))
	}
	assert.Equal(t, []string{b1.EventID}, broker.keysInOrder("B"))

	// Only the head of A is ever attempted while it keeps failing.
	pending := store.unpublished()
	require.Len(t, pending, 5)
	assert.Equal(t, huge[0], pending[0].EventID)
	assert.Equal(t, 3, pending[0].Attempts)
	for _, r := range pending[1:] {
		assert.Zero(t, r.Attempts, r.EventID)
	}

	// Fresh keys keep flowing ahead of the stuck head.
	var more []string
	for i := 0; i < 6; i++ {
		more = append(more, store.add(t, "VoteChanged.v1", fmt.Sprintf("C%d", i)).EventID)
	}
	require.NoError(t, p.Tick(context.Background()))
	require.NoError(t, p.Tick(context.Background()))
	for i, id := range more {
		assert.Equal(t, []string{id}, broker.keysInOrder(fmt.Sprintf("C%d", i)))
	}

	broker.setFailure("A", nil)
	for i := 0; i < 3 && len(store.unpublished()) > 0; i++ {
		require.NoError(t, p.Tick(context.Background()))
	}
	assert.Equal(t, huge, broker.keysInOrder("A"))
	assert.Empty(t, store.unpublished())
}

func TestPermanentFailureStaysUnpublished(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	metrics := oteltest.NewMetrics(t)
	p := newTestPublisher(t, store, broker, metrics)

	store.add(t, "VoteChanged.v1", "huge")
	broker.setFailure("huge", kafka.MessageSizeTooLarge)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Tick(context.Background()))
	}
	pending := store.unpublished()
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Equal(t, int64(3), metrics.Int64Sum(t, "outbox.publish.permanent_failures"))
	assert.Equal(t, int64(0), metrics.Int64Sum(t, "outbox.publish.failures"))
}

func TestBreakerOpensAndStopsCallingBroker(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	p := NewPublisher(store, broker, discardLogger(), PublisherConfig{
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
		MeterProvider:   oteltest.NewMetrics(t).Provider,
	})

	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		store.add(t, "VoteChanged.v1", key)
		broker.setFailure(key, errors.New("broker down"))
	}

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 2, broker.calls)
	assert.Equal(t, "open", p.BreakerState().String())
	assert.ErrorIs(t, p.ReadyCheck(context.Background()), ErrBreakerOpen)
	assert.Len(t, store.unpublished(), 4)

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 2, broker.calls)
}

func TestBacklogGauges(t *testing.T) {
	store := newMemStore()
	metrics := oteltest.NewMetrics(t)
	_ = newTestPublisher(t, store, &fakeBroker{}, metrics)

	store.add(t, "VoteChanged.v1", "post-1")
	store.add(t, "VoteChanged.v1", "post-2")

	assert.Equal(t, int64(2), metrics.Int64Sum(t, "outbox.backlog.size"))
	age, ok := metrics.Float64Gauge(t, "outbox.backlog.age")
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 0.0)
}

func TestConcurrentPublishersShareTheBacklog(t *testing.T) {
	store := newMemStore()
	broker := &fakeBroker{}
	metrics := oteltest.NewMetrics(t)
	for i := 0; i < 200; i++ {
		store.add(t, "VoteChanged.v1", fmt.Sprintf("post-%d", i%7))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p := NewPublisher(store, broker, discardLogger(), PublisherConfig{BatchSize: 10, MeterProvider: metrics.Provider})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for len(store.unpublished()) > 0 {
				_ = p.Tick(context.Background())
			}
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, s := range broker.Sent() {
		seen[s.env.EventID]++
	}
	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

type fakePurgeable struct {
	cutoff time.Time
	chunk  int
}

func (f *fakePurgeable) PurgePublished(_ context.Context, cutoff time.Time, chunk int) (int64, error) {
	f.cutoff, f.chunk = cutoff, chunk
	return 3, nil
}

func TestPurgerUsesRetention(t *testing.T) {
	store := &fakePurgeable{}
	p := NewPurger(store, discardLogger(), PurgerConfig{Retention: 48 * time.Hour, ChunkSize: 10})
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.Add(-48*time.Hour), store.cutoff)
	assert.Equal(t, 10, store.chunk)
	assert.Equal(t, "outbox-purger", p.Task().Name())
}

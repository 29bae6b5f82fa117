package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/db/dbtest"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/libs/otel/oteltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// memUsage emulates quota_usage for PostgresStore: the conditional UPDATE only succeeds on
// an existing row with room left, and the INSERT creates the row once.
type memUsage struct {
	mu      sync.Mutex
	rows    map[string]int64
	updates atomic.Int32
	inserts atomic.Int32
}

func newMemUsage() *memUsage { return &memUsage{rows: map[string]int64{}} }

func (m *memUsage) key(args []any) string {
	return args[0].(string) + "|" + args[1].(time.Time).Format(time.RFC3339)
}

func (m *memUsage) querier() *dbtest.Tx {
	return &dbtest.Tx{
		ExecFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			m.inserts.Add(1)
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.rows[m.key(args)]; ok {
				return dbtest.RowsAffected("INSERT", 0), nil
			}
			m.rows[m.key(args)] = 0
			return dbtest.RowsAffected("INSERT", 1), nil
		},
		QueryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			m.mu.Lock()
			defer m.mu.Unlock()
			used, ok := m.rows[m.key(args)]
			if strings.Contains(sql, "UPDATE") {
				m.updates.Add(1)
				amount, limit := args[2].(int64), args[3].(int64)
				if !ok || used > limit-amount {
					return dbtest.Row{Err: pgx.ErrNoRows}
				}
				m.rows[m.key(args)] = used + amount
				return dbtest.Row{Values: []any{used + amount}}
			}
			if !ok {
				return dbtest.Row{Err: pgx.ErrNoRows}
			}
			return dbtest.Row{Values: []any{used}}
		},
	}
}

type staticLimit int64

func (l staticLimit) Limit(context.Context, string) (int64, error) { return int64(l), nil }

func fixedClock(c *Counter) {
	c.now = func() time.Time { return time.Date(2025, 3, 17, 15, 4, 5, 0, time.UTC) }
}

func TestPeriodWindows(t *testing.T) {
	at := time.Date(2025, 12, 31, 23, 59, 0, 0, time.FixedZone("x", 3*3600))

	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), Daily.Start(at))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Daily.End(at))
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), Monthly.Start(at))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Monthly.End(at))

	p, err := ParsePeriod(" Daily ")
	require.NoError(t, err)
	assert.Equal(t, Daily, p)
	p, err = ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, Monthly, p)
	_, err = ParsePeriod("weekly")
	assert.Error(t, err)
}

func TestTwoConcurrentConsumesOnlyOneFits(t *testing.T) {
	usage := newMemUsage()
	c := NewCounter(NewPostgresStore(usage.querier()), staticLimit(100), discard(), CounterConfig{})
	fixedClock(c)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Consume(context.Background(), "acct-1", 60)
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrQuotaExceeded):
			exceeded++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)

	u, err := c.Usage(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.Used)
	assert.Equal(t, int64(40), u.Remaining)
}

func TestConcurrentIncrementsNeverPassLimit(t *testing.T) {
	usage := newMemUsage()
	c := NewCounter(NewPostgresStore(usage.querier()), staticLimit(25), discard(), CounterConfig{Period: Daily})
	fixedClock(c)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Consume(context.Background(), "acct-2", 1); err == nil {
				granted.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrQuotaExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), granted.Load())
	u, err := c.Usage(context.Background(), "acct-2")
	require.NoError(t, err)
	assert.Equal(t, int64(25), u.Used)
}

func TestConsumeCreatesWindowOnFirstUse(t *testing.T) {
	usage := newMemUsage()
	c := NewCounter(NewPostgresStore(usage.querier()), staticLimit(10), discard(), CounterConfig{})
	fixedClock(c)

	u, err := c.Consume(context.Background(), "acct-3", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.Used)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), u.PeriodStart)
	assert.Equal(t, int32(2), usage.updates.Load(), "update, insert, update again")
	assert.Equal(t, int32(1), usage.inserts.Load())

	_, err = c.Consume(context.Background(), "acct-3", 4)
	require.NoError(t, err)
	assert.Equal(t, int32(3), usage.updates.Load())
	assert.Equal(t, int32(1), usage.inserts.Load())
}

func TestExceededLeavesUsageUntouched(t *testing.T) {
	usage := newMemUsage()
	m := oteltest.NewMetrics(t)
	c := NewCounter(NewPostgresStore(usage.querier()), staticLimit(10), discard(), CounterConfig{MeterProvider: m.Provider})
	fixedClock(c)

	_, err := c.Consume(context.Background(), "acct-4", 7)
	require.NoError(t, err)
	u, err := c.Consume(context.Background(), "acct-4", 4)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(7), u.Used)
	assert.Equal(t, int64(3), u.Remaining)

	assert.Equal(t, int64(7), m.Int64Sum(t, "quota.consumed"))
	assert.Equal(t, int64(1), m.Int64Sum(t, "quota.rejected"))
}

func TestHugeAmountIsRejectedNotFailed(t *testing.T) {
	usage := newMemUsage()
	m := oteltest.NewMetrics(t)
	c := NewCounter(NewPostgresStore(usage.querier()), staticLimit(100), discard(), CounterConfig{MeterProvider: m.Provider})
	fixedClock(c)

	_, err := c.Consume(context.Background(), "acct-9", 1)
	require.NoError(t, err)
	updates := usage.updates.Load()

	u, err := c.Consume(context.Background(), "acct-9", math.MaxInt64)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(1), u.Used)
	assert.Equal(t, int64(99), u.Remaining)
	assert.Equal(t, updates, usage.updates.Load(), "no increment attempted")
	assert.Equal(t, int64(1), m.Int64Sum(t, "quota.rejected"))

	// The store itself stays safe at the edge of the range.
	used, ok, err := NewPostgresStore(usage.querier()).TryIncrement(context.Background(), c.window("acct-9"), math.MaxInt64, math.MaxInt64)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), used)
}

func TestConsumeValidatesInput(t *testing.T) {
	c := NewCounter(NewPostgresStore(newMemUsage().querier()), staticLimit(10), discard(), CounterConfig{})
	_, err := c.Consume(context.Background(), "acct", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.Consume(context.Background(), " ", 1)
	assert.ErrorIs(t, err, ErrNoPrincipal)
}

func TestLimitsFallBackToDefault(t *testing.T) {
	q := &dbtest.Tx{}
	limit, err := NewLimits(q, 1000).Limit(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), limit)

	q.QueryRowFunc = func(context.Context, string, ...any) pgx.Row { return dbtest.Row{Values: []any{int64(50)}} }
	limit, err = NewLimits(q, 1000).Limit(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(50), limit)
}

func planEnvelope(t *testing.T, payload string, at time.Time) envelope.Envelope {
	t.Helper()
	return envelope.Envelope{
		EventID:      uuid.NewString(),
		EventType:    EventPlanChanged,
		OccurredAt:   at,
		Producer:     "usage-service",
		PartitionKey: "acct-1",
		Payload:      []byte(payload),
	}
}

func TestLimitProjectorUpsertsWithEventTime(t *testing.T) {
	var gotArgs []any
	tx := &dbtest.Tx{ExecFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return dbtest.RowsAffected("INSERT", 0), nil
	}}
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	err := NewLimitProjector(discard()).Handle(context.Background(), tx,
		planEnvelope(t, `{"principal":"acct-1","plan":"pro","quota":500}`, at))
	require.NoError(t, err, "a stale change is ignored, not failed")
	assert.Equal(t, []any{"acct-1", "pro", int64(500), at}, gotArgs)
}

func TestLimitProjectorRejectsBadPayload(t *testing.T) {
	p := NewLimitProjector(discard())
	err := p.Handle(context.Background(), &dbtest.Tx{}, planEnvelope(t, `{"principal":"acct-1"}`, time.Now()))
	assert.True(t, consumer.IsPermanent(err))
	err = p.Handle(context.Background(), &dbtest.Tx{}, planEnvelope(t, `[1,2]`, time.Now()))
	assert.True(t, consumer.IsPermanent(err))
}

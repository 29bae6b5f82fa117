package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

// Window identifies the counter row of one principal in one period.
type Window struct {
	Principal string
	Start     time.Time
	End       time.Time
}

// Store increments usage counters. TryIncrement must never leave a partial increment
// behind: either used grows by amount without passing limit, or nothing changes.
// Callers guarantee 0 < amount <= limit.
type Store interface {
	TryIncrement(ctx context.Context, w Window, amount, limit int64) (used int64, ok bool, err error)
	Used(ctx context.Context, w Window) (int64, error)
}

// PostgresStore keeps counters in quota_usage and relies on a conditional UPDATE for
// atomicity.
type PostgresStore struct {
	q db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) TryIncrement(ctx context.Context, w Window, amount, limit int64) (int64, bool, error) {
	used, ok, err := s.conditionalUpdate(ctx, w, amount, limit)
	if err != nil || ok {
		return used, ok, err
	}
	// No row updated: either the period row does not exist yet or the limit is reached.
	if _, err := s.q.Exec(ctx, `
		INSERT INTO quota_usage (principal, period_start, used)
		VALUES ($1, $2, 0)
		ON CONFLICT (principal, period_start) DO NOTHING
	`, w.Principal, w.Start); err != nil {
		return 0, false, fmt.Errorf("create quota window for %s: %w", w.Principal, err)
	}
	used, ok, err = s.conditionalUpdate(ctx, w, amount, limit)
	if err != nil || ok {
		return used, ok, err
	}
	used, err = s.Used(ctx, w)
	return used, false, err
}

func (s *PostgresStore) conditionalUpdate(ctx context.Context, w Window, amount, limit int64) (int64, bool, error) {
	var used int64
	err := s.q.QueryRow(ctx, `
		UPDATE quota_usage
		SET used = used + $3, updated_at = now()
		WHERE principal = $1 AND period_start = $2 AND used <= $4 - $3
		RETURNING used
	`, w.Principal, w.Start, amount, limit).Scan(&used)
	if db.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment quota for %s: %w", w.Principal, err)
	}
	return used, true, nil
}

func (s *PostgresStore) Used(ctx context.Context, w Window) (int64, error) {
	var used int64
	err := s.q.QueryRow(ctx, `
		SELECT used FROM quota_usage WHERE principal = $1 AND period_start = $2
	`, w.Principal, w.Start).Scan(&used)
	if db.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota usage for %s: %w", w.Principal, err)
	}
	return used, nil
}

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

// LimitSource resolves the quota of a principal for the current period.
type LimitSource interface {
	Limit(ctx context.Context, principal string) (int64, error)
}

// Limits reads the quota_limits projection and falls back to a default for principals
// without a plan.
type Limits struct {
	q        db.Querier
	fallback int64
}

func NewLimits(q db.Querier, fallback int64) *Limits {
	return &Limits{q: q, fallback: fallback}
}

func (l *Limits) Limit(ctx context.Context, principal string) (int64, error) {
	var quota int64
	err := l.q.QueryRow(ctx, `SELECT quota FROM quota_limits WHERE principal = $1`, principal).Scan(&quota)
	if db.IsNotFound(err) {
		return l.fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load quota limit for %s: %w", principal, err)
	}
	return quota, nil
}

// UpsertLimit stores a plan change unless a newer one was already applied. Events can
// arrive out of order across redeliveries, so effectiveAt decides which one wins.
func UpsertLimit(ctx context.Context, tx pgx.Tx, principal, plan string, quota int64, effectiveAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO quota_limits (principal, plan, quota, effective_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (principal) DO UPDATE
		SET plan = EXCLUDED.plan,
		    quota = EXCLUDED.quota,
		    effective_at = EXCLUDED.effective_at,
		    updated_at = now()
		WHERE quota_limits.effective_at < EXCLUDED.effective_at
	`, principal, plan, quota, effectiveAt.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert quota limit for %s: %w", principal, err)
	}
	return tag.RowsAffected() == 1, nil
}

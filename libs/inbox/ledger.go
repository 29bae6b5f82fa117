// Package inbox is the dedup ledger: one row per (consumer group, event id) that was
// applied, written in the same local transaction as the derived-state change it guards.
package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
)

// ApplyFunc mutates derived state inside the ledger transaction.
type ApplyFunc func(ctx context.Context, tx pgx.Tx) error

type Ledger struct {
	db db.Beginner
}

func NewLedger(b db.Beginner) *Ledger {
	return &Ledger{db: b}
}

// Apply records env for group and runs fn in the same transaction. A duplicate commits
// nothing else and reports applied=false. When fn fails neither the ledger row nor the
// mutation is kept, so redelivery applies the event again.
func (l *Ledger) Apply(ctx context.Context, group string, env envelope.Envelope, fn ApplyFunc) (bool, error) {
	var applied bool
	err := db.WithTx(ctx, l.db, func(ctx context.Context, tx pgx.Tx) error {
		fresh, err := Record(ctx, tx, group, env.EventID, env.EventType)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Record inserts the ledger row and reports false when it was already there.
func Record(ctx context.Context, tx pgx.Tx, group, eventID, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO dedup_ledger (consumer_group, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_group, event_id) DO NOTHING
	`, group, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record %s for %s: %w", eventID, group, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Prune deletes ledger rows processed before cutoff. The cutoff must stay older than the
// broker's retention, otherwise a redelivered event could be applied twice.
func Prune(ctx context.Context, q db.Querier, cutoff time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM dedup_ledger WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

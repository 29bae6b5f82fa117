// Package plans owns plan assignments and announces every change as PlanChanged.v1.
package plans

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/quota"
)

type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, evt outbox.Event) (outbox.Record, error)
}

type Service struct {
	db     db.Beginner
	outbox Appender
}

func NewService(b db.Beginner, appender Appender) *Service {
	return &Service{db: b, outbox: appender}
}

// Assign stores the plan and appends the matching event in one transaction. The quota
// limit itself is only updated by the PlanChanged consumer.
func (s *Service) Assign(ctx context.Context, principal, plan string, limit int64) (outbox.Record, error) {
	change := quota.PlanChanged{
		Principal: strings.TrimSpace(principal),
		Plan:      strings.TrimSpace(plan),
		Quota:     limit,
	}
	if err := change.Validate(); err != nil {
		return outbox.Record{}, err
	}
	evt, err := outbox.NewEvent(quota.EventPlanChanged, change.Principal, change)
	if err != nil {
		return outbox.Record{}, err
	}

	var rec outbox.Record
	err = db.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO plan_assignments (principal, plan, quota, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (principal) DO UPDATE
			SET plan = EXCLUDED.plan, quota = EXCLUDED.quota, updated_at = now()
		`, change.Principal, change.Plan, change.Quota); err != nil {
			return fmt.Errorf("assign plan to %s: %w", change.Principal, err)
		}
		rec, err = s.outbox.Append(ctx, tx, evt)
		return err
	})
	if err != nil {
		return outbox.Record{}, err
	}
	return rec, nil
}

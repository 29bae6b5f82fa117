package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
)

// EventPlanChanged carries a principal's new plan and quota.
const EventPlanChanged = "PlanChanged.v1"

// ConsumerGroup is the dedup scope of the quota_limits projection.
const ConsumerGroup = "usage-limits"

type PlanChanged struct {
	Principal string `json:"principal"`
	Plan      string `json:"plan"`
	Quota     int64  `json:"quota"`
}

func (p PlanChanged) Validate() error {
	if strings.TrimSpace(p.Principal) == "" || strings.TrimSpace(p.Plan) == "" {
		return fmt.Errorf("plan change: principal and plan are required")
	}
	if p.Quota < 0 {
		return fmt.Errorf("plan change: quota must not be negative")
	}
	return nil
}

// LimitProjector keeps quota_limits in step with PlanChanged events.
type LimitProjector struct {
	logger *slog.Logger
}

func NewLimitProjector(logger *slog.Logger) *LimitProjector {
	return &LimitProjector{logger: logger}
}

func (p *LimitProjector) Handle(ctx context.Context, tx pgx.Tx, env envelope.Envelope) error {
	var change PlanChanged
	if err := env.DecodePayload(&change); err != nil {
		return consumer.Permanent(err)
	}
	if err := change.Validate(); err != nil {
		return consumer.Permanent(err)
	}
	updated, err := UpsertLimit(ctx, tx, change.Principal, change.Plan, change.Quota, env.OccurredAt)
	if err != nil {
		return err
	}
	if !updated {
		p.logger.InfoContext(ctx, "stale plan change ignored",
			"principal", change.Principal, "event_id", env.EventID, "occurred_at", env.OccurredAt)
	}
	return nil
}

func (p *LimitProjector) Register(d *consumer.Dispatcher) {
	d.Register(EventPlanChanged, p.Handle)
}

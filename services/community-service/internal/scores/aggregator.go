package scores

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/votes"
)

// ConsumerGroup is the dedup scope of the score aggregate.
const ConsumerGroup = "community-scores"

// Aggregator applies vote deltas to post_scores.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Apply adds the delta of change inside tx. It is used directly by the vote transaction
// or through Handle by the event consumer.
func (a *Aggregator) Apply(ctx context.Context, tx pgx.Tx, change votes.Changed) error {
	d := DeltaFor(change.Previous, change.Current)
	if d.Zero() {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO post_scores (post_id, upvotes, downvotes, score, updated_at)
		VALUES ($1, $2, $3, $2 - $3, now())
		ON CONFLICT (post_id) DO UPDATE
		SET upvotes = post_scores.upvotes + EXCLUDED.upvotes,
		    downvotes = post_scores.downvotes + EXCLUDED.downvotes,
		    score = post_scores.score + EXCLUDED.score,
		    updated_at = now()
	`, change.PostID, d.Up, d.Down)
	if err != nil {
		return fmt.Errorf("apply vote delta to %s: %w", change.PostID, err)
	}
	return nil
}

// Handle is the VoteChanged.v1 consumer handler.
func (a *Aggregator) Handle(ctx context.Context, tx pgx.Tx, env envelope.Envelope) error {
	var change votes.Changed
	if err := env.DecodePayload(&change); err != nil {
		return consumer.Permanent(err)
	}
	if err := change.Validate(); err != nil {
		return consumer.Permanent(err)
	}
	return a.Apply(ctx, tx, change)
}

// Register binds the aggregator to d.
func (a *Aggregator) Register(d *consumer.Dispatcher) {
	d.Register(votes.EventVoteChanged, a.Handle)
}

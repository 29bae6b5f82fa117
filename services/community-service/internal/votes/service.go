package votes

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
)

type Store interface {
	Upsert(ctx context.Context, tx pgx.Tx, postID, userID string, direction Direction) (Direction, error)
}

type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, evt outbox.Event) (outbox.Record, error)
}

// DirectApplier updates the score aggregate in the vote transaction instead of through the event.
type DirectApplier interface {
	Apply(ctx context.Context, tx pgx.Tx, change Changed) error
}

type Service struct {
	db     db.Beginner
	store  Store
	outbox Appender
	direct DirectApplier
}

func NewService(b db.Beginner, store Store, appender Appender) *Service {
	return &Service{db: b, store: store, outbox: appender}
}

// WithDirectApply makes Cast patch the aggregate synchronously. The VoteChanged event is
// still written for other consumers.
func (s *Service) WithDirectApply(a DirectApplier) *Service {
	s.direct = a
	return s
}

// Cast records a vote and, when the direction changed, the VoteChanged event in the same
// transaction. An unchanged vote writes no event.
func (s *Service) Cast(ctx context.Context, postID, userID string, direction Direction) (Changed, bool, error) {
	change := Changed{
		PostID:  strings.TrimSpace(postID),
		UserID:  strings.TrimSpace(userID),
		Current: direction,
	}
	if err := change.Validate(); err != nil {
		return Changed{}, false, err
	}

	var changed bool
	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		previous, err := s.store.Upsert(ctx, tx, change.PostID, change.UserID, direction)
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		change.Previous = previous
		if previous == direction {
			return nil
		}
		changed = true

		evt, err := outbox.NewEvent(EventVoteChanged, change.PostID, change)
		if err != nil {
			return err
		}
		if _, err := s.outbox.Append(ctx, tx, evt); err != nil {
			return err
		}
		if s.direct != nil {
			return s.direct.Apply(ctx, tx, change)
		}
		return nil
	})
	if err != nil {
		return Changed{}, false, err
	}
	return change, changed, nil
}

package votes

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Upsert stores direction for (post, user) and returns the direction it replaced. The row
// is locked for the rest of tx, so concurrent votes by the same user serialize.
func (r *Repository) Upsert(ctx context.Context, tx pgx.Tx, postID, userID string, direction Direction) (Direction, error) {
	previous, found, err := lockVote(ctx, tx, postID, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		tag, err := tx.Exec(ctx, `
			INSERT INTO post_votes (post_id, user_id, direction)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id, user_id) DO NOTHING
		`, postID, userID, int16(direction))
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() == 1 {
			return Retracted, nil
		}
		// Lost the insert race: the other transaction's vote is now the previous one.
		if previous, _, err = lockVote(ctx, tx, postID, userID); err != nil {
			return 0, err
		}
	}
	if previous == direction {
		return previous, nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE post_votes SET direction = $3, updated_at = now()
		WHERE post_id = $1 AND user_id = $2
	`, postID, userID, int16(direction))
	return previous, err
}

func lockVote(ctx context.Context, tx pgx.Tx, postID, userID string) (Direction, bool, error) {
	var d int16
	err := tx.QueryRow(ctx, `
		SELECT direction FROM post_votes
		WHERE post_id = $1 AND user_id = $2
		FOR UPDATE
	`, postID, userID).Scan(&d)
	if db.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return Direction(d), true, nil
}

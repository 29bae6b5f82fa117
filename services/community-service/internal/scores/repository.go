package scores

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

type Score struct {
	PostID       string     `json:"post_id"`
	Upvotes      int64      `json:"upvotes"`
	Downvotes    int64      `json:"downvotes"`
	Score        int64      `json:"score"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns zero counters for a post nobody voted on yet.
func (r *Repository) Get(ctx context.Context, postID string) (Score, error) {
	s := Score{PostID: postID}
	err := r.pool.QueryRow(ctx, `
		SELECT upvotes, downvotes, score, reconciled_at
		FROM post_scores WHERE post_id = $1
	`, postID).Scan(&s.Upvotes, &s.Downvotes, &s.Score, &s.ReconciledAt)
	if db.IsNotFound(err) {
		return s, nil
	}
	if err != nil {
		return Score{}, fmt.Errorf("get score %s: %w", postID, err)
	}
	return s, nil
}

// Drifts compares post_scores with a recount of post_votes and returns the differences.
func (r *Repository) Drifts(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `
		WITH tally AS (
			SELECT post_id,
			       count(*) FILTER (WHERE direction = 1)  AS up,
			       count(*) FILTER (WHERE direction = -1) AS down
			FROM post_votes
			GROUP BY post_id
		)
		SELECT COALESCE(t.post_id, s.post_id),
		       COALESCE(s.upvotes, 0), COALESCE(s.downvotes, 0),
		       COALESCE(t.up, 0), COALESCE(t.down, 0)
		FROM tally t
		FULL OUTER JOIN post_scores s ON s.post_id = t.post_id
		WHERE COALESCE(t.up, 0) <> COALESCE(s.upvotes, 0)
		   OR COALESCE(t.down, 0) <> COALESCE(s.downvotes, 0)
		   OR (s.post_id IS NOT NULL AND s.score <> s.upvotes - s.downvotes)
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("score drifts: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.PostID, &d.Stored.Up, &d.Stored.Down, &d.Actual.Up, &d.Actual.Down); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Overwrite recounts one post inside a single statement and stores the result.
func (r *Repository) Overwrite(ctx context.Context, postID string) (Counts, error) {
	var c Counts
	err := r.pool.QueryRow(ctx, `
		INSERT INTO post_scores (post_id, upvotes, downvotes, score, updated_at, reconciled_at)
		SELECT $1,
		       count(*) FILTER (WHERE direction = 1),
		       count(*) FILTER (WHERE direction = -1),
		       count(*) FILTER (WHERE direction = 1) - count(*) FILTER (WHERE direction = -1),
		       now(), now()
		FROM post_votes WHERE post_id = $1
		ON CONFLICT (post_id) DO UPDATE
		SET upvotes = EXCLUDED.upvotes,
		    downvotes = EXCLUDED.downvotes,
		    score = EXCLUDED.score,
		    updated_at = now(),
		    reconciled_at = now()
		RETURNING upvotes, downvotes
	`, postID).Scan(&c.Up, &c.Down)
	if err != nil {
		return Counts{}, fmt.Errorf("overwrite score %s: %w", postID, err)
	}
	return c, nil
}

// MarkReconciled stamps the aggregates changed since their last stamp and before
// checkedAt, the start of the pass that found them consistent. Untouched rows keep their
// earlier stamp, so a pass does not rewrite the whole table.
func (r *Repository) MarkReconciled(ctx context.Context, checkedAt time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE post_scores
		SET reconciled_at = $1
		WHERE updated_at <= $1
		  AND (reconciled_at IS NULL OR reconciled_at < updated_at)
	`, checkedAt)
	if err != nil {
		return 0, fmt.Errorf("mark scores reconciled: %w", err)
	}
	return tag.RowsAffected(), nil
}

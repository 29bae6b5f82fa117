package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

// BatchResult tells the store which claimed records the broker acknowledged and which failed.
// Records in neither list stay untouched.
type BatchResult struct {
	Published []int64
	Failed    []Failure
}

type Failure struct {
	ID  int64
	Err string
}

type Backlog struct {
	Size   int64
	Oldest time.Time
}

// Repository is the Postgres outbox store.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, event_id::text, event_type, partition_key, topic, producer, payload, trace_context,
	published, created_at, published_at, attempts, COALESCE(last_error, '')`

// claimQuery selects claimable rows. A key whose head record has failed contributes only
// that head, so its backlog cannot fill the batch; heads awaiting a retry sort after
// first attempts.
const claimQuery = `
	SELECT ` + recordColumns + `
	FROM outbox_events o
	WHERE o.published = false
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_events e
		WHERE e.partition_key = o.partition_key
		  AND e.published = false
		  AND e.attempts > 0
		  AND (e.created_at, e.id) < (o.created_at, o.id)
	  )
	ORDER BY (o.attempts > 0), o.created_at, o.id
	LIMIT $1
	FOR UPDATE OF o SKIP LOCKED
`

// ClaimUnpublished locks claimable unpublished records with SKIP LOCKED, hands them to fn
// and stores its result in the same transaction. Concurrent publishers never get the same rows.
func (r *Repository) ClaimUnpublished(ctx context.Context, limit int, fn func(ctx context.Context, batch []Record) BatchResult) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimQuery, limit)
		if err != nil {
			return fmt.Errorf("claim outbox: %w", err)
		}
		batch, err := scanRecords(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		res := fn(ctx, batch)
		if err := markPublished(ctx, tx, res.Published); err != nil {
			return err
		}
		return recordFailures(ctx, tx, res.Failed)
	})
}

func markPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published = true, published_at = now(), attempts = attempts + 1, last_error = NULL
		WHERE id = ANY($1) AND published = false
	`, ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func recordFailures(ctx context.Context, tx pgx.Tx, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(`
			UPDATE outbox_events
			SET attempts = attempts + 1, last_error = $2
			WHERE id = $1 AND published = false
		`, f.ID, f.Err)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record publish failures: %w", err)
	}
	return nil
}

func (r *Repository) Backlog(ctx context.Context) (Backlog, error) {
	var (
		b      Backlog
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT count(*), min(created_at)
		FROM outbox_events
		WHERE published = false
	`).Scan(&b.Size, &oldest)
	if err != nil {
		return Backlog{}, fmt.Errorf("outbox backlog: %w", err)
	}
	if oldest != nil {
		b.Oldest = *oldest
	}
	return b, nil
}

// Stuck lists unpublished records older than age, oldest first.
func (r *Repository) Stuck(ctx context.Context, age time.Duration, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_events
		WHERE published = false AND created_at < now() - make_interval(secs => $1)
		ORDER BY created_at, id
		LIMIT $2
	`, age.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("stuck outbox records: %w", err)
	}
	return scanRecords(rows)
}

func (r *Repository) Get(ctx context.Context, eventID string) (Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM outbox_events WHERE event_id = $1`, eventID)
	if err != nil {
		return Record{}, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, pgx.ErrNoRows
	}
	return recs[0], nil
}

// PurgePublished deletes published records older than cutoff in chunks. Rows locked by a
// publisher are skipped, never waited on. Unpublished rows are never deleted.
func (r *Repository) PurgePublished(ctx context.Context, cutoff time.Time, chunk int) (int64, error) {
	var total int64
	for {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM outbox_events
			WHERE id IN (
				SELECT id FROM outbox_events
				WHERE published = true AND published_at < $1
				ORDER BY id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
		`, cutoff, chunk)
		if err != nil {
			return total, fmt.Errorf("purge outbox: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(chunk) || ctx.Err() != nil {
			return total, nil
		}
	}
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.PartitionKey, &rec.Topic, &rec.Producer,
			&payload, &rec.TraceContext, &rec.Published, &rec.CreatedAt, &rec.PublishedAt, &rec.Attempts, &rec.LastError); err != nil {
			return nil, err
		}
		rec.Payload = payload
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
)

// Writer appends outbox records inside the caller's transaction. It never talks to the
// broker: the record commits or aborts together with the domain change.
type Writer struct {
	producer string
	now      func() time.Time
}

func NewWriter(producer string) *Writer {
	return &Writer{producer: producer, now: time.Now}
}

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, evt Event) (Record, error) {
	if _, _, err := envelope.ParseType(evt.EventType); err != nil {
		return Record{}, err
	}
	if evt.PartitionKey == "" {
		return Record{}, ErrEmptyPartitionKey
	}
	if !json.Valid(evt.Payload) {
		return Record{}, fmt.Errorf("%s payload is not valid JSON", evt.EventType)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("event id: %w", err)
	}
	topic := evt.Topic
	if topic == "" {
		topic = envelope.Topic(evt.EventType)
	}
	rec := Record{
		EventID:      id.String(),
		EventType:    evt.EventType,
		PartitionKey: evt.PartitionKey,
		Topic:        topic,
		Producer:     w.producer,
		Payload:      evt.Payload,
		TraceContext: otelx.CaptureTraceContext(ctx),
		// Postgres keeps microseconds; truncate so the envelope matches what is stored.
		CreatedAt: w.now().UTC().Truncate(time.Microsecond),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO outbox_events (event_id, event_type, partition_key, topic, producer, payload, trace_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, rec.EventID, rec.EventType, rec.PartitionKey, rec.Topic, rec.Producer, []byte(rec.Payload), rec.TraceContext, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("insert outbox %s: %w", rec.EventType, err)
	}
	return rec, nil
}

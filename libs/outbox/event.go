package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
)

var ErrEmptyPartitionKey = errors.New("outbox event needs a partition key")

// Event is what a domain operation asks to publish. Topic defaults to envelope.Topic(EventType).
type Event struct {
	EventType    string
	PartitionKey string
	Topic        string
	Payload      json.RawMessage
}

func NewEvent(eventType, partitionKey string, payload any) (Event, error) {
	if _, _, err := envelope.ParseType(eventType); err != nil {
		return Event{}, err
	}
	partitionKey = strings.TrimSpace(partitionKey)
	if partitionKey == "" {
		return Event{}, ErrEmptyPartitionKey
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		EventType:    eventType,
		PartitionKey: partitionKey,
		Topic:        envelope.Topic(eventType),
		Payload:      raw,
	}, nil
}

// WithTopic overrides the default per-type topic.
func (e Event) WithTopic(topic string) Event {
	e.Topic = topic
	return e
}

// Record is one row of outbox_events. Payload and EventID never change once written and
// Published only ever moves from false to true.
type Record struct {
	ID           int64
	EventID      string
	EventType    string
	PartitionKey string
	Topic        string
	Producer     string
	Payload      json.RawMessage
	TraceContext otelx.TraceContext
	Published    bool
	CreatedAt    time.Time
	PublishedAt  *time.Time
	Attempts     int
	LastError    string
}

func (r Record) Envelope() envelope.Envelope {
	return envelope.Envelope{
		EventID:      r.EventID,
		EventType:    r.EventType,
		OccurredAt:   r.CreatedAt,
		Producer:     r.Producer,
		PartitionKey: r.PartitionKey,
		TraceContext: r.TraceContext,
		Payload:      r.Payload,
	}
}

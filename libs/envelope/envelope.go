// Package envelope defines the versioned wire contract carried over the broker.
//
// Evolution rule: a later version of the same type name may only add optional fields.
// Fields are never removed or renamed; an incompatible shape gets a new ".vN" suffix.
// Decode ignores unknown fields so older readers accept additive producers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidEventType = errors.New("event type must look like Name.vN")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
)

var typePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*(?:\.[A-Za-z][A-Za-z0-9]*)*)\.v([1-9][0-9]*)$`)

// Envelope is the broker message body. Only additive, optional fields may be introduced.
type Envelope struct {
	EventID      string            `json:"event_id" validate:"required,uuid"`
	EventType    string            `json:"event_type" validate:"required,eventtype"`
	OccurredAt   time.Time         `json:"occurred_at" validate:"required"`
	Producer     string            `json:"producer" validate:"required"`
	PartitionKey string            `json:"partition_key" validate:"required"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Payload      json.RawMessage   `json:"payload" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		_, _, err := ParseType(fl.Field().String())
		return err == nil
	})
	return v
}

// ParseType splits "TripCreated.v1" into ("TripCreated", 1).
func ParseType(eventType string) (string, int, error) {
	m := typePattern.FindStringSubmatch(strings.TrimSpace(eventType))
	if m == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	version, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	return m[1], version, nil
}

// Topic maps an event type to its default topic: "VoteChanged.v1" -> "vote.changed.v1".
func Topic(eventType string) string {
	name, version, err := ParseType(eventType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(eventType))
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '.':
			b.WriteRune('.')
			continue
		case r >= 'A' && r <= 'Z':
			if i > 0 && name[i-1] != '.' {
				b.WriteRune('.')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf("%s.v%d", b.String(), version)
}

// DeadLetterTopic is the dead-letter channel for a topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		EventID:      uuid.Must(uuid.NewV7()).String(),
		EventType:    "VoteChanged.v1",
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Producer:     "community-service",
		PartitionKey: "post-1",
		Payload:      json.RawMessage(`{"post_id":"post-1"}`),
	}
}

func TestParseType(t *testing.T) {
	name, version, err := ParseType("TripCreated.v1")
	require.NoError(t, err)
	assert.Equal(t, "TripCreated", name)
	assert.Equal(t, 1, version)

	name, version, err = ParseType("Billing.PlanChanged.v12")
	require.NoError(t, err)
	assert.Equal(t, "Billing.PlanChanged", name)
	assert.Equal(t, 12, version)

	for _, bad := range []string{"", "TripCreated", "TripCreated.v0", "TripCreated.1", ".v1", "Trip Created.v1"} {
		_, _, err := ParseType(bad)
		assert.ErrorIs(t, err, ErrInvalidEventType, bad)
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "vote.changed.v1", Topic("VoteChanged.v1"))
	assert.Equal(t, "permission.changed.v2", Topic("PermissionChanged.v2"))
	assert.Equal(t, "billing.plan.changed.v1", Topic("Billing.PlanChanged.v1"))
	assert.Equal(t, "vote.changed.v1.dlq", DeadLetterTopic(Topic("VoteChanged.v1")))
}

func TestEncodeDecode(t *testing.T) {
	env := validEnvelope()
	raw, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.True(t, env.OccurredAt.Equal(got.OccurredAt))
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestDecodeIgnoresAdditiveFields(t *testing.T) {
	env := validEnvelope()
	raw, err := json.Marshal(map[string]any{
		"event_id":       env.EventID,
		"event_type":     env.EventType,
		"occurred_at":    env.OccurredAt,
		"producer":       env.Producer,
		"partition_key":  env.PartitionKey,
		"payload":        env.Payload,
		"schema_hint":    "added-later",
		"correlation_id": "abc",
	})
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.NoError(t, err)
}

func TestValidateRejects(t *testing.T) {
	missingKey := validEnvelope()
	missingKey.PartitionKey = ""
	assert.ErrorIs(t, missingKey.Validate(), ErrInvalidEnvelope)

	badType := validEnvelope()
	badType.EventType = "VoteChanged"
	assert.ErrorIs(t, badType.Validate(), ErrInvalidEnvelope)

	badID := validEnvelope()
	badID.EventID = "not-a-uuid"
	assert.ErrorIs(t, badID.Validate(), ErrInvalidEnvelope)

	_, err := Decode([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodePayload(t *testing.T) {
	var body struct {
		PostID string `json:"post_id"`
	}
	require.NoError(t, validEnvelope().DecodePayload(&body))
	assert.Equal(t, "post-1", body.PostID)
}

package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header names carried on every event message.
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderProducer  = "producer"

	HeaderDLQReason            = "dlq_reason"
	HeaderDLQAttempts          = "dlq_attempts"
	HeaderDLQConsumerGroup     = "dlq_consumer_group"
	HeaderDLQFailedAt          = "dlq_failed_at"
	HeaderDLQOriginalTopic     = "dlq_original_topic"
	HeaderDLQOriginalPartition = "dlq_original_partition"
	HeaderDLQOriginalOffset    = "dlq_original_offset"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
type EventMeta struct {
	EventID   string
	EventType string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventType == "" {
		eventType = msg.Topic
	}
	return EventMeta{EventID: eventID, EventType: eventType}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// HeaderMap flattens headers; a repeated key keeps its last value.
func HeaderMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func isDLQHeader(key string) bool {
	return strings.HasPrefix(key, "dlq_")
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

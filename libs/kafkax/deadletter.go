package kafkax

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	"github.com/segmentio/kafka-go"
)

// DeadLetterWriter parks unprocessable messages on "<topic>.dlq", unchanged apart from
// the dlq_* headers describing the failure.
type DeadLetterWriter struct {
	producer *Producer
}

func NewDeadLetterWriter(p *Producer) *DeadLetterWriter {
	return &DeadLetterWriter{producer: p}
}

func (w *DeadLetterWriter) Send(ctx context.Context, dl consumer.DeadLetter) error {
	return w.producer.WriteRaw(ctx, DeadLetterMessage(dl))
}

var _ consumer.DeadLetterSink = (*DeadLetterWriter)(nil)

func DeadLetterMessage(dl consumer.DeadLetter) kafka.Message {
	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	headers := sortedHeaders(dl.Message.Headers)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQReason, Value: []byte(dl.Reason)},
		kafka.Header{Key: HeaderDLQAttempts, Value: []byte(strconv.Itoa(dl.Attempts))},
		kafka.Header{Key: HeaderDLQConsumerGroup, Value: []byte(dl.Group)},
		kafka.Header{Key: HeaderDLQFailedAt, Value: []byte(failedAt.UTC().Format(time.RFC3339Nano))},
		kafka.Header{Key: HeaderDLQOriginalTopic, Value: []byte(dl.Message.Topic)},
		kafka.Header{Key: HeaderDLQOriginalPartition, Value: []byte(strconv.Itoa(dl.Message.Partition))},
		kafka.Header{Key: HeaderDLQOriginalOffset, Value: []byte(strconv.FormatInt(dl.Message.Offset, 10))},
	)
	return kafka.Message{
		Topic:   envelope.DeadLetterTopic(dl.Message.Topic),
		Key:     dl.Message.Key,
		Value:   dl.Message.Value,
		Headers: headers,
	}
}

func sortedHeaders(m map[string]string) []kafka.Header {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !isDLQHeader(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys)+7)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return headers
}

// DeadLetterRecord is a parked message as read back from a dead-letter topic.
type DeadLetterRecord struct {
	Topic         string    `json:"topic"`
	Partition     int       `json:"partition"`
	Offset        int64     `json:"offset"`
	OriginalTopic string    `json:"original_topic"`
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	Group         string    `json:"consumer_group"`
	FailedAt      time.Time `json:"failed_at"`
}

func ParseDeadLetter(msg kafka.Message) DeadLetterRecord {
	meta := ExtractEventMeta(msg)
	attempts, _ := strconv.Atoi(HeaderValue(msg.Headers, HeaderDLQAttempts))
	failedAt, _ := time.Parse(time.RFC3339Nano, HeaderValue(msg.Headers, HeaderDLQFailedAt))
	return DeadLetterRecord{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		OriginalTopic: originalTopic(msg),
		EventID:       meta.EventID,
		EventType:     HeaderValue(msg.Headers, HeaderEventType),
		Reason:        HeaderValue(msg.Headers, HeaderDLQReason),
		Attempts:      attempts,
		Group:         HeaderValue(msg.Headers, HeaderDLQConsumerGroup),
		FailedAt:      failedAt,
	}
}

// ReplayMessage rebuilds the original message from a dead letter: same topic, key, value
// and event headers, without the dlq_* headers.
func ReplayMessage(msg kafka.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if !isDLQHeader(h.Key) {
			headers = append(headers, h)
		}
	}
	return kafka.Message{
		Topic:   originalTopic(msg),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}

func originalTopic(msg kafka.Message) string {
	if t := HeaderValue(msg.Headers, HeaderDLQOriginalTopic); t != "" {
		return t
	}
	return strings.TrimSuffix(msg.Topic, ".dlq")
}

package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Producer publishes envelopes keyed by partition key, so one key always lands on one
// partition and keeps its order.
type Producer struct {
	writer *kafka.Writer
}

type ProducerConfig struct {
	Brokers      string
	WriteTimeout time.Duration
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           5 * time.Millisecond,
	}}, nil
}

// Publish returns nil only once the broker acknowledged the message.
func (p *Producer) Publish(ctx context.Context, topic string, env envelope.Envelope) error {
	msg, err := EnvelopeMessage(ctx, topic, env)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// WriteRaw writes prepared messages; used for dead letters and replays.
func (p *Producer) WriteRaw(ctx context.Context, msgs ...kafka.Message) error {
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// EnvelopeMessage maps an envelope onto a Kafka message. The stored trace context of the
// envelope wins over the one in ctx so the consumer span links to the original request.
func EnvelopeMessage(ctx context.Context, topic string, env envelope.Envelope) (kafka.Message, error) {
	if topic == "" {
		topic = envelope.Topic(env.EventType)
	}
	value, err := envelope.Encode(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", env.EventID, err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.PartitionKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.EventID)},
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderProducer, Value: []byte(env.Producer)},
		},
	}
	msgCtx := otelx.ContextWithTraceContext(ctx, env.TraceContext)
	msg.Headers = InjectTraceHeaders(msgCtx, msg.Headers)
	return msg, nil
}

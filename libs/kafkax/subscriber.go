package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/segmentio/kafka-go"
)

// Subscriber is a consumer-group reader with explicit commits. Offsets are committed only
// through Ack, after the local transaction succeeded.
type Subscriber struct {
	reader *kafka.Reader
}

type SubscriberConfig struct {
	Brokers string
	GroupID string
	Topics  []string
}

func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("kafka subscriber needs a group id and at least one topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	return &Subscriber{reader: reader}, nil
}

func (s *Subscriber) Fetch(ctx context.Context) (consumer.Message, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return consumer.Message{}, err
	}
	return ConsumerMessage(msg), nil
}

func (s *Subscriber) Ack(ctx context.Context, msg consumer.Message) error {
	return s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (s *Subscriber) Close() error {
	return s.reader.Close()
}

func ConsumerMessage(msg kafka.Message) consumer.Message {
	return consumer.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   HeaderMap(msg.Headers),
	}
}

var _ consumer.Source = (*Subscriber)(nil)

package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetterClient is the operator side of the dead-letter topics: inspection and replay.
type DeadLetterClient struct {
	brokers     []string
	producer    *Producer
	idleTimeout time.Duration
}

func NewDeadLetterClient(brokers string, producer *Producer) (*DeadLetterClient, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	return &DeadLetterClient{brokers: list, producer: producer, idleTimeout: 3 * time.Second}, nil
}

// List reads up to limit dead letters from every partition of topic without committing anything.
func (c *DeadLetterClient) List(ctx context.Context, topic string, limit int) ([]DeadLetterRecord, error) {
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return nil, err
	}
	partitions, err := conn.ReadPartitions(topic)
	_ = conn.Close()
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", topic, err)
	}

	var out []DeadLetterRecord
	for _, p := range partitions {
		if limit > 0 && len(out) >= limit {
			break
		}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   c.brokers,
			Topic:     topic,
			Partition: p.ID,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		if err := reader.SetOffset(kafka.FirstOffset); err != nil {
			_ = reader.Close()
			return nil, err
		}
		err := c.drain(ctx, reader, func(msg kafka.Message) bool {
			out = append(out, ParseDeadLetter(msg))
			return limit <= 0 || len(out) < limit
		})
		_ = reader.Close()
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Replay republishes dead letters to their original topic and commits them under group,
// so a message is replayed once per group. The consumer's dedup ledger makes a replay of an
// already applied event harmless.
func (c *DeadLetterClient) Replay(ctx context.Context, topic, group string, limit int, dryRun bool) ([]DeadLetterRecord, error) {
	if c.producer == nil && !dryRun {
		return nil, errors.New("replay needs a producer")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	var (
		out     []DeadLetterRecord
		loopErr error
	)
	err := c.drain(ctx, reader, func(msg kafka.Message) bool {
		if !dryRun {
			if err := c.producer.WriteRaw(ctx, ReplayMessage(msg)); err != nil {
				loopErr = fmt.Errorf("replay %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
				return false
			}
			if err := reader.CommitMessages(ctx, msg); err != nil {
				loopErr = fmt.Errorf("commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
				return false
			}
		}
		out = append(out, ParseDeadLetter(msg))
		return limit <= 0 || len(out) < limit
	})
	if loopErr != nil {
		return out, loopErr
	}
	return out, err
}

// drain fetches until fn returns false or no message arrives within the idle timeout.
func (c *DeadLetterClient) drain(ctx context.Context, reader *kafka.Reader, fn func(kafka.Message) bool) error {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.idleTimeout)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if !fn(msg) {
			return nil
		}
	}
}

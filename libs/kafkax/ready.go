package kafkax

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck succeeds when any configured broker accepts a connection.
func ReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, b := range list {
			conn, err := dialer.DialContext(ctx, "tcp", b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Join(errs...)
	}
}

// EnsureTopics creates each topic and its dead-letter topic when missing. Existing topics
// are left untouched.
func EnsureTopics(ctx context.Context, brokers string, partitions int, topics ...string) error {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return errors.New("kafka brokers not configured")
	}
	if partitions <= 0 {
		partitions = 3
	}
	conn, err := kafka.DialContext(ctx, "tcp", list[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics)*2)
	for _, t := range topics {
		configs = append(configs,
			kafka.TopicConfig{Topic: t, NumPartitions: partitions, ReplicationFactor: 1},
			kafka.TopicConfig{Topic: t + ".dlq", NumPartitions: 1, ReplicationFactor: 1},
		)
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

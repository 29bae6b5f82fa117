// Package relay wires the outbox publisher, the purger and the idempotent consumers of one
// service process around a shared pool and Kafka producer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/periodic"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
)

type Config struct {
	Service         string
	Brokers         string
	PollEvery       time.Duration
	BatchSize       int
	Retention       time.Duration
	PurgeEvery      time.Duration
	MaxAttempts     int
	TopicPartitions int
}

func ConfigFromEnv(service string) (Config, error) {
	cfg := Config{
		Service: service,
		Brokers: config.String("KAFKA_BROKERS", ""),
	}
	var errs []error
	var err error
	if cfg.PollEvery, err = config.Duration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		errs = append(errs, err)
	}
	if cfg.BatchSize, err = config.Int("OUTBOX_BATCH_SIZE", 50); err != nil {
		errs = append(errs, err)
	}
	if cfg.Retention, err = config.Duration("OUTBOX_RETENTION", 7*24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.PurgeEvery, err = config.Duration("OUTBOX_PURGE_INTERVAL", time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxAttempts, err = config.Int("CONSUMER_MAX_ATTEMPTS", 5); err != nil {
		errs = append(errs, err)
	}
	if cfg.TopicPartitions, err = config.Int("KAFKA_TOPIC_PARTITIONS", 3); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Node owns the background event machinery of a service process.
type Node struct {
	cfg    Config
	logger *slog.Logger
	pool   *db.Pool

	Writer   *outbox.Writer
	Outbox   *outbox.Repository
	Ledger   *inbox.Ledger
	producer  *kafkax.Producer
	publisher *outbox.Publisher

	mu      sync.Mutex
	tasks   []*periodic.Task
	closers []io.Closer
	wg      sync.WaitGroup
}

func New(pool *db.Pool, logger *slog.Logger, cfg Config) (*Node, error) {
	n := &Node{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		Writer: outbox.NewWriter(cfg.Service),
		Outbox: outbox.NewRepository(pool),
		Ledger: inbox.NewLedger(pool),
	}
	if len(kafkax.SplitBrokers(cfg.Brokers)) == 0 {
		return n, nil
	}
	producer, err := kafkax.NewProducer(kafkax.ProducerConfig{Brokers: cfg.Brokers})
	if err != nil {
		return nil, err
	}
	n.producer = producer
	n.closers = append(n.closers, producer)
	n.publisher = outbox.NewPublisher(n.Outbox, producer, logger, outbox.PublisherConfig{
		PollEvery: cfg.PollEvery,
		BatchSize: cfg.BatchSize,
	})
	return n, nil
}

// StartPublishing runs the outbox publisher and purger until ctx is done.
func (n *Node) StartPublishing(ctx context.Context) {
	purger := outbox.NewPurger(n.Outbox, n.logger, outbox.PurgerConfig{
		Every:     n.cfg.PurgeEvery,
		Retention: n.cfg.Retention,
	})
	n.Go(ctx, purger.Task())

	if n.publisher == nil {
		n.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	n.Go(ctx, n.publisher.Task())
}

// NewDispatcher builds a dispatcher for group backed by this node's ledger.
func (n *Node) NewDispatcher(group string) *consumer.Dispatcher {
	return consumer.New(n.logger, n.Ledger, consumer.Config{
		Group:       group,
		MaxAttempts: n.cfg.MaxAttempts,
	})
}

// StartConsumer subscribes d to the topics of its registered event types.
func (n *Node) StartConsumer(ctx context.Context, d *consumer.Dispatcher) error {
	if n.producer == nil {
		n.logger.Warn("consumer disabled (no kafka brokers configured)", "consumer_group", d.Group())
		return nil
	}
	topics := d.Topics()
	if err := kafkax.EnsureTopics(ctx, n.cfg.Brokers, n.cfg.TopicPartitions, topics...); err != nil {
		n.logger.Warn("ensure topics failed, relying on broker auto-creation", "err", err, "topics", topics)
	}
	sub, err := kafkax.NewSubscriber(kafkax.SubscriberConfig{
		Brokers: n.cfg.Brokers,
		GroupID: d.Group(),
		Topics:  topics,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.Group(), err)
	}
	n.mu.Lock()
	n.closers = append(n.closers, sub)
	n.mu.Unlock()

	dlq := kafkax.NewDeadLetterWriter(n.producer)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logger.Info("consumer started", "consumer_group", d.Group(), "topics", topics)
		if err := d.Run(ctx, sub, dlq); err != nil {
			n.logger.Error("consumer stopped", "err", err, "consumer_group", d.Group())
		}
	}()
	return nil
}

// Go runs a periodic task until ctx is done; Shutdown waits for it.
func (n *Node) Go(ctx context.Context, t *periodic.Task) {
	n.mu.Lock()
	n.tasks = append(n.tasks, t)
	n.mu.Unlock()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t.Run(ctx)
	}()
}

// ReadyChecks reports the dependencies the node needs.
func (n *Node) ReadyChecks() []runtime.ReadyCheck {
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(n.pool)}}
	if n.producer != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(n.cfg.Brokers)})
	}
	if n.publisher != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "outbox_publisher", Check: n.publisher.ReadyCheck})
	}
	return checks
}

// Shutdown stops every task, waits for in-flight batches and handler transactions, then
// closes Kafka clients. Cancel the context passed to the Start methods first.
func (n *Node) Shutdown() {
	n.mu.Lock()
	tasks := append([]*periodic.Task(nil), n.tasks...)
	closers := append([]io.Closer(nil), n.closers...)
	n.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	n.wg.Wait()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			n.logger.Warn("close kafka client", "err", err)
		}
	}
}

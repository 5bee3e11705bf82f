// Package kafka carries trigger events over a Kafka topic, so that API
// processes creating policies can wake enforcement workers elsewhere.
//
// Records are keyed by namespace; events for one namespace stay ordered
// within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/trigger"
)

// Config configures the Kafka transport.
type Config struct {
	Brokers []string
	Topic   string

	// Group is the consumer group of enforcement workers.
	Group string

	ClientID string

	// Partitions and ReplicationFactor apply when EnsureTopic creates the
	// topic.
	Partitions        int32
	ReplicationFactor int16
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

func (c Config) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	return opts
}

// Publisher produces trigger events.
type Publisher struct {
	client *kgo.Client
	cfg    Config
}

// NewPublisher creates a producing client.
func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := append(cfg.clientOpts(),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// EnsureTopic creates the topic if it does not exist.
func (p *Publisher) EnsureTopic(ctx context.Context) error {
	partitions := p.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	rf := p.cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}

	resp, err := kadm.NewClient(p.client).CreateTopics(ctx, partitions, rf, nil, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic: %w", err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

// Publish produces ev and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, ev trigger.Event) error {
	rec, err := encodeRecord(ev)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", ev.Namespace, err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Publisher) Close() {
	p.client.Close()
}

func encodeRecord(ev trigger.Event) (*kgo.Record, error) {
	data, err := trigger.Encode(ev)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{Key: []byte(ev.Namespace), Value: data}, nil
}

// Consumer feeds trigger events from the topic into a Handler.
type Consumer struct {
	client  *kgo.Client
	handler trigger.Handler
	logger  *logging.Logger
}

// NewConsumer joins cfg.Group on cfg.Topic.
func NewConsumer(cfg Config, handler trigger.Handler, logger *logging.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: handler is required")
	}
	if logger == nil {
		logger = logging.Global()
	}

	opts := append(cfg.clientOpts(),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.AutoCommitMarks(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger.Named("trigger.kafka")}, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warnf("fetch failed", map[string]any{"topic": topic, "partition": partition, "error": err})
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.handle(rec)
			c.client.MarkCommitRecords(rec)
		})
	}
}

// handle enqueues the event in rec. Undecodable records are dropped; the
// periodic sweep covers whatever they would have triggered.
func (c *Consumer) handle(rec *kgo.Record) {
	ev, err := trigger.Decode(rec.Value)
	if err != nil {
		c.logger.Warnf("dropping malformed trigger record", map[string]any{
			"partition": rec.Partition,
			"offset":    rec.Offset,
			"error":     err,
		})
		return
	}
	c.handler.Enqueue(ev.Namespace, ev.Reason)
}

// Close leaves the group and commits marked offsets.
func (c *Consumer) Close() {
	c.client.Close()
}

var _ trigger.Publisher = (*Publisher)(nil)

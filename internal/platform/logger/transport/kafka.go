package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"radioguard/internal/platform/logger"
)

// maxKeptDeliveryErrors bounds the delivery errors held between flushes;
// failures beyond it are only counted.
const maxKeptDeliveryErrors = 5

type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaConfig points the transport at a topic.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	MinLevel logger.Level
	// Partitions and ReplicationFactor are used when the topic has to be created.
	Partitions        int32
	ReplicationFactor int16
}

// Kafka publishes one JSON record per entry, keyed by correlation id so that
// a request's entries stay ordered within a partition.
type Kafka struct {
	client   producer
	topic    string
	minLevel logger.Level

	mu     sync.Mutex
	failed int
	errs   []error // most recent failures, at most maxKeptDeliveryErrors
}

// NewKafka connects to the brokers and makes sure the topic exists.
func NewKafka(ctx context.Context, cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka transport requires brokers and a topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := ensureTopic(ctx, kadm.NewClient(client), cfg); err != nil {
		client.Close()
		return nil, err
	}
	return newKafka(client, cfg), nil
}

func newKafka(p producer, cfg KafkaConfig) *Kafka {
	return &Kafka{client: p, topic: cfg.Topic, minLevel: cfg.MinLevel}
}

func ensureTopic(ctx context.Context, adm *kadm.Client, cfg KafkaConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (k *Kafka) Name() string           { return "kafka" }
func (k *Kafka) Enabled() bool          { return true }
func (k *Kafka) MinLevel() logger.Level { return k.minLevel }

// Log hands the record to the client without waiting for the broker;
// delivery failures surface on the next Flush.
func (k *Kafka) Log(ctx context.Context, e logger.Entry) error {
	rec := &kgo.Record{
		Topic: k.topic,
		Value: logger.FormatJSON(e),
	}
	if e.CorrelationID != "" {
		rec.Key = []byte(e.CorrelationID)
	}
	k.client.Produce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			k.recordFailure(err)
		}
	})
	return nil
}

func (k *Kafka) recordFailure(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failed++
	if len(k.errs) == maxKeptDeliveryErrors {
		copy(k.errs, k.errs[1:])
		k.errs = k.errs[:len(k.errs)-1]
	}
	k.errs = append(k.errs, err)
}

// Flush waits for every produced record to be acknowledged.
func (k *Kafka) Flush(ctx context.Context) error {
	flushErr := k.client.Flush(ctx)

	k.mu.Lock()
	failed, errs := k.failed, k.errs
	k.failed, k.errs = 0, nil
	k.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("%d kafka records failed: %w", failed, errors.Join(errs...))
	}
	return flushErr
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaBroker implements MessageBroker using Apache Kafka. The consumer is
// only created on the first Subscribe.
type KafkaBroker struct {
	brokers     []string
	producer    sarama.SyncProducer
	consumer    sarama.Consumer
	newConsumer func() (sarama.Consumer, error)
	config      *sarama.Config
	logger      zerolog.Logger
	mu          sync.RWMutex
	closed      bool
}

func newKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	config.Version = sarama.V3_6_0_0
	return config
}

// NewKafkaBroker creates a Kafka message broker.
func NewKafkaBroker(brokers []string) (*KafkaBroker, error) {
	config := newKafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaBroker(brokers, producer, config), nil
}

func newKafkaBroker(brokers []string, producer sarama.SyncProducer, config *sarama.Config) *KafkaBroker {
	return &KafkaBroker{
		brokers:  brokers,
		producer: producer,
		newConsumer: func() (sarama.Consumer, error) {
			return sarama.NewConsumer(brokers, config)
		},
		config: config,
		logger: log.WithComponent("broker").With().Str("broker_type", TypeKafka).Logger(),
	}
}

// Publish sends a message to the topic channel, retrying with backoff.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(message.Key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(message.Type)},
			{Key: []byte("message_id"), Value: []byte(message.ID)},
		},
		Timestamp: message.Timestamp,
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(TypeKafka).Inc()
		b.logger.Warn().Err(err).Str("message_id", message.ID).Dur("retry_in", d).Msg("retrying Kafka publish")
	})
}

// Subscribe tails every partition of the topic channel from the newest
// offset. It joins no consumer group, so each subscriber sees every message.
// The returned channel closes once ctx is done.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.consumer == nil {
		consumer, err := b.newConsumer()
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		b.consumer = consumer
	}
	consumer := b.consumer
	b.mu.Unlock()

	partitions, err := consumer.Partitions(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", channel, err)
	}

	claims := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(channel, p, sarama.OffsetNewest)
		if err != nil {
			for _, opened := range claims {
				opened.AsyncClose()
			}
			return nil, fmt.Errorf("failed to consume %s/%d: %w", channel, p, err)
		}
		claims = append(claims, pc)
	}

	messages := make(chan Message, 100)
	var wg sync.WaitGroup
	for _, pc := range claims {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			b.drain(ctx, pc, messages)
		}(pc)
	}
	go func() {
		wg.Wait()
		close(messages)
	}()
	return messages, nil
}

func (b *KafkaBroker) drain(ctx context.Context, pc sarama.PartitionConsumer, out chan<- Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case kafkaMsg, ok := <-pc.Messages():
			if !ok {
				return
			}
			var message Message
			if err := json.Unmarshal(kafkaMsg.Value, &message); err != nil {
				b.logger.Warn().Err(err).
					Int32("partition", kafkaMsg.Partition).
					Int64("offset", kafkaMsg.Offset).
					Msg("message decode error")
				continue
			}
			select {
			case out <- message:
			case <-ctx.Done():
				return
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			b.logger.Error().Err(err).Msg("partition consumer error")
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.consumer != nil {
		if err := b.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

const (
	redisMaxRetries     = 3
	redisInitialBackoff = 50 * time.Millisecond
)

// RedisBroker implements MessageBroker on Redis pub/sub. The client is
// shared with the credential store and is not closed by the broker.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		logger: log.WithComponent("broker").With().Str("broker_type", TypeRedis).Logger(),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
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

	operation := func() error {
		return b.client.Publish(ctx, channel, data).Err()
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(redisInitialBackoff)), redisMaxRetries),
		ctx,
	)
	return backoff.RetryNotify(operation, policy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(TypeRedis).Inc()
		b.logger.Warn().Err(err).Str("message_id", message.ID).Dur("retry_in", d).Msg("retrying Redis publish")
	})
}

// Subscribe delivers messages published on channel until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("message decode error")
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close ends all subscriptions.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		_ = s.Close()
	}
	b.subs = nil
	return nil
}

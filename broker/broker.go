// Package broker publishes coordinator events to an external message broker.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	TypeRedis = "redis"
	TypeKafka = "kafka"
)

var ErrClosed = errors.New("broker is closed")

// Message is the envelope mirrored to the broker. Key groups messages of one
// trip onto the same partition.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageBroker is implemented by RedisBroker and KafkaBroker.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

package bus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPreservesSubscriptionOrder(t *testing.T) {
	b := New(WithLogger(zerolog.Nop()))
	topic := NewTopic[int]("numbers")

	var got []string
	Subscribe(b, topic, func(v int) { got = append(got, "first") })
	Subscribe(b, topic, func(v int) { got = append(got, "second") })
	Subscribe(b, topic, func(v int) { got = append(got, "third") })

	Publish(b, topic, 1)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestSingleListenerTopicReplaces(t *testing.T) {
	b := New(WithLogger(zerolog.Nop()))
	topic := NewSingleListenerTopic[string]("alert")

	var first, second int
	Subscribe(b, topic, func(string) { first++ })
	Subscribe(b, topic, func(string) { second++ })

	Publish(b, topic, "x")
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, Subscribers(b, topic))
}

func TestUnsubscribe(t *testing.T) {
	b := New(WithLogger(zerolog.Nop()))
	var calls int
	unsub := Subscribe(b, TripStatus, func(TripStatusEvent) { calls++ })

	Publish(b, TripStatus, TripStatusEvent{TripID: 1, Status: "arrived"})
	unsub()
	unsub()
	Publish(b, TripStatus, TripStatusEvent{TripID: 1, Status: "started"})

	assert.Equal(t, 1, calls)
	assert.Zero(t, Subscribers(b, TripStatus))
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := New(WithLogger(zerolog.Nop()))
	var delivered bool
	Subscribe(b, SessionExpired, func(SessionExpiredEvent) { panic("boom") })
	Subscribe(b, SessionExpired, func(SessionExpiredEvent) { delivered = true })

	require.NotPanics(t, func() { Publish(b, SessionExpired, SessionExpiredEvent{}) })
	assert.True(t, delivered)
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New(WithLogger(zerolog.Nop()))
	var chats int
	Subscribe(b, Chat, func(ChatEvent) { chats++ })
	Publish(b, Position, PositionEvent{TripID: 3})
	assert.Zero(t, chats)
}

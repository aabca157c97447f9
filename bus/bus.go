// Package bus is the in-process publish/subscribe fan-out between the
// transport layer and its consumers (trip screen, status server, relay).
//
// Topics are typed: a Topic[T] only accepts publishers and subscribers of T,
// so a payload mismatch is a compile error rather than a runtime cast.
// Delivery is synchronous and follows subscription order.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/log"
)

// Topic names a stream of events carrying payloads of type T.
type Topic[T any] struct {
	name   string
	single bool
}

// NewTopic declares a fan-out topic: every subscriber receives every event.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// NewSingleListenerTopic declares a topic holding at most one subscriber.
// Subscribing replaces the previous subscriber instead of adding to it.
func NewSingleListenerTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name, single: true}
}

// Name returns the wire/debug name of the topic.
func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	id uint64
	fn func(any)
}

// Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
	logger zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscriber),
		logger: log.WithComponent("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn on topic t and returns a function removing it.
// Calling the returned function more than once is harmless.
func Subscribe[T any](b *Bus, t Topic[T], fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := subscriber{id: id, fn: func(v any) { fn(v.(T)) }}
	if t.single {
		b.subs[t.name] = []subscriber{sub}
	} else {
		b.subs[t.name] = append(b.subs[t.name], sub)
	}
	b.mu.Unlock()

	return func() { b.remove(t.name, id) }
}

// Publish delivers v to every subscriber of t in subscription order. A
// panicking subscriber is logged and does not stop delivery to the rest.
func Publish[T any](b *Bus, t Topic[T], v T) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[t.name]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(t.name, s, v)
	}
}

// Subscribers reports how many subscribers topic t currently has.
func Subscribers[T any](b *Bus, t Topic[T]) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t.name])
}

func (b *Bus) deliver(topic string, s subscriber, v any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", topic).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.fn(v)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lst := b.subs[topic]
	out := lst[:0]
	for _, s := range lst {
		if s.id != id {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = out
	}
}

// Package relay mirrors trip status and settlement events from the bus to
// an external message broker for fleet operations.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/broker"
	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/metrics"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Relay forwards bus events to a broker from a single worker. Bus handlers
// only enqueue; when the queue is full the event is dropped.
type Relay struct {
	broker     broker.MessageBroker
	brokerType string
	channel    string
	bus        *bus.Bus
	logger     zerolog.Logger
	timeout    time.Duration

	mu      sync.Mutex
	queue   chan broker.Message
	unsubs  []func()
	wg      sync.WaitGroup
	started bool
	stopped bool
}

type Option func(*Relay)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan broker.Message, n)
		}
	}
}

// New creates a relay publishing to channel on b. brokerType labels metrics.
func New(b broker.MessageBroker, brokerType, channel string, eventBus *bus.Bus, opts ...Option) *Relay {
	r := &Relay{
		broker:     b,
		brokerType: brokerType,
		channel:    channel,
		bus:        eventBus,
		logger:     log.WithComponent("relay"),
		timeout:    defaultPublishTimeout,
		queue:      make(chan broker.Message, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the bus and starts the publishing worker.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	r.unsubs = append(r.unsubs,
		bus.Subscribe(r.bus, bus.TripStatus, func(e bus.TripStatusEvent) {
			r.enqueue(bus.TripStatus.Name(), e.TripID, e)
		}),
		bus.Subscribe(r.bus, bus.Settlement, func(e bus.SettlementEvent) {
			r.enqueue(bus.Settlement.Name(), e.TripID, e)
		}),
	)

	r.wg.Add(1)
	go r.run(ctx)
	r.logger.Info().Str("broker_type", r.brokerType).Str("channel", r.channel).Msg("event relay started")
}

func (r *Relay) enqueue(kind string, tripID int64, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Str("type", kind).Msg("failed to marshal relayed event")
		return
	}
	msg := broker.Message{
		ID:        uuid.NewString(),
		Type:      kind,
		Key:       strconv.FormatInt(tripID, 10),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- msg:
	default:
		metrics.RelayPublished.WithLabelValues(r.brokerType, "dropped").Inc()
		r.logger.Warn().Str("type", kind).Msg("relay queue full, event dropped")
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	for msg := range r.queue {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.broker.Publish(pctx, r.channel, msg)
		cancel()
		if err != nil {
			metrics.RelayPublished.WithLabelValues(r.brokerType, "failure").Inc()
			r.logger.Warn().Err(err).Str("message_id", msg.ID).Str("type", msg.Type).Msg("failed to relay event")
			continue
		}
		metrics.RelayPublished.WithLabelValues(r.brokerType, "success").Inc()
	}
}

// Stop unsubscribes from the bus and waits for queued events to be sent.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	unsubs := r.unsubs
	r.unsubs = nil
	started := r.started
	close(r.queue)
	r.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if started {
		r.wg.Wait()
	}
}

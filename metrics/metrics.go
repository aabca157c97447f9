// File: metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel Metrics
	ChannelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tripsync_channel_state",
		Help: "Current channel state (0=disconnected, 1=connecting, 2=connected, 3=auth_failed).",
	}, []string{"channel"})
	ChannelConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_channel_connects_total",
		Help: "The total number of channel connect attempts by outcome.",
	}, []string{"channel", "outcome"})
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_channel_messages_sent_total",
		Help: "The total number of events emitted on a channel.",
	}, []string{"channel"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_channel_messages_dropped_total",
		Help: "The total number of events dropped because the channel was not connected.",
	}, []string{"channel"})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_channel_messages_received_total",
		Help: "The total number of events received on a channel.",
	}, []string{"channel"})

	// Reconnection Metrics
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_reconnect_attempts_total",
		Help: "The total number of reconnection cycles by trigger and outcome.",
	}, []string{"reason", "outcome"})
	ReconnectExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripsync_reconnect_exhausted_total",
		Help: "The total number of times reconnection gave up after the maximum attempts.",
	})

	// Credential Metrics
	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_credential_refreshes_total",
		Help: "The total number of refresh token exchanges by outcome.",
	}, []string{"outcome"})

	// Trip Metrics
	TripTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_trip_transitions_total",
		Help: "The total number of applied trip status transitions.",
	}, []string{"status"})
	TripRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_trip_rejections_total",
		Help: "The total number of rejected trip status transitions.",
	}, []string{"reason"})
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_settlements_total",
		Help: "The total number of ledger settlements by outcome.",
	}, []string{"outcome"})

	// Relay Metrics
	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_relay_published_total",
		Help: "The total number of bus events mirrored to the external broker.",
	}, []string{"broker_type", "outcome"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
)

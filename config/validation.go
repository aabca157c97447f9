package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Channels.LocationURL == "" || c.Channels.PaymentURL == "" {
		return errors.New("channels.locationURL and channels.paymentURL must be set")
	}
	if c.Channels.TokenQueryParam == "" {
		return errors.New("channels.tokenQueryParam must be configured")
	}
	if c.Channels.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.Channels.PingInterval >= c.Channels.PongTimeout {
		return errors.New("ping interval should be less than pong timeout")
	}

	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.maxAttempts must be positive")
	}
	if c.Reconnect.MinInterval <= 0 {
		return errors.New("reconnect.minInterval must be positive")
	}
	if c.Reconnect.HealthInterval < c.Reconnect.MinInterval {
		return errors.New("health check interval should not be shorter than the minimum attempt interval")
	}
	if c.Credentials.RenewalLeadDuration() >= c.Reconnect.RenewalIntervalDuration() {
		return errors.New("credentials.renewalLead must be shorter than reconnect.renewalInterval")
	}

	switch strings.ToLower(c.Credentials.Store) {
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for the redis credential store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid credential store: %s. Must be 'redis' or 'memory'", c.Credentials.Store)
	}

	if c.Trip.GeofenceMeters <= 0 {
		return errors.New("trip.geofenceMeters must be positive")
	}

	switch strings.ToLower(c.Relay.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for the redis relay")
		}
	case "kafka":
		if len(c.Relay.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for the kafka relay")
		}
	default:
		return fmt.Errorf("invalid relay type: %s. Must be 'none', 'redis' or 'kafka'", c.Relay.Type)
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return errors.New("invalid status port")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Auth
	v.BindEnv("auth.baseURL", "TRIPSYNC_AUTH_URL")

	// Channels
	v.BindEnv("channels.locationURL", "TRIPSYNC_LOCATION_URL")
	v.BindEnv("channels.paymentURL", "TRIPSYNC_PAYMENT_URL")

	// Credentials
	v.BindEnv("credentials.store", "TRIPSYNC_CREDENTIAL_STORE")

	// Redis
	v.BindEnv("redis.address", "TRIPSYNC_REDIS_ADDRESS")
	v.BindEnv("redis.password", "TRIPSYNC_REDIS_PASSWORD")

	// Trip / Ledger
	v.BindEnv("trip.repositoryURL", "TRIPSYNC_TRIP_URL")
	v.BindEnv("ledger.baseURL", "TRIPSYNC_LEDGER_URL")

	// Relay
	v.BindEnv("relay.type", "TRIPSYNC_RELAY_TYPE")
	v.BindEnv("relay.kafka.brokers", "TRIPSYNC_KAFKA_BROKERS")

	// Status / Log
	v.BindEnv("status.port", "TRIPSYNC_STATUS_PORT")
	v.BindEnv("log.level", "TRIPSYNC_LOG_LEVEL")
}

package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Auth
	v.SetDefault("auth.baseURL", "http://localhost:8081")
	v.SetDefault("auth.refreshPath", "/auth/refresh")
	v.SetDefault("auth.timeout", 15)

	// Channels
	v.SetDefault("channels.locationURL", "ws://localhost:8081/location")
	v.SetDefault("channels.paymentURL", "ws://localhost:8081/payment")
	v.SetDefault("channels.tokenQueryParam", "token")
	v.SetDefault("channels.handshakeTimeout", 10)
	v.SetDefault("channels.pingInterval", 25)
	v.SetDefault("channels.pongTimeout", 60)
	v.SetDefault("channels.writeTimeout", 10)
	v.SetDefault("channels.dialRetries", 3)
	v.SetDefault("channels.dialBackoff", 500)

	// Reconnect
	v.SetDefault("reconnect.maxAttempts", 5)
	v.SetDefault("reconnect.minInterval", 3)
	v.SetDefault("reconnect.healthInterval", 30)
	v.SetDefault("reconnect.renewalInterval", 45)
	v.SetDefault("reconnect.initialBackoff", 1000)
	v.SetDefault("reconnect.maxBackoff", 30000)

	// Credentials
	v.SetDefault("credentials.store", "redis")
	v.SetDefault("credentials.keyPrefix", "tripsync")
	v.SetDefault("credentials.renewalLead", 300)

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.poolTimeout", 5)

	// Trip
	v.SetDefault("trip.repositoryURL", "http://localhost:8081")
	v.SetDefault("trip.geofenceMeters", 50.0)

	// Ledger
	v.SetDefault("ledger.baseURL", "http://localhost:8081")
	v.SetDefault("ledger.maxCASRetries", 3)

	// Relay
	v.SetDefault("relay.type", "none")
	v.SetDefault("relay.topic", "tripsync.events")

	// Status
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 9090)

	// Log
	v.SetDefault("log.level", "info")
}

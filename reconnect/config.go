package reconnect

import (
	"time"

	"github.com/abdelmounim-dev/tripsync/config"
)

const (
	DefaultMaxAttempts     = 5
	DefaultMinInterval     = 3 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultRenewalInterval = 45 * time.Minute
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = 30 * time.Second
)

// Config bounds the reconnection policy.
type Config struct {
	MaxAttempts     int
	MinInterval     time.Duration
	HealthInterval  time.Duration
	RenewalInterval time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// ConfigFrom converts the application config section.
func ConfigFrom(c config.ReconnectConfig) Config {
	return Config{
		MaxAttempts:     c.MaxAttempts,
		MinInterval:     c.MinIntervalDuration(),
		HealthInterval:  c.HealthIntervalDuration(),
		RenewalInterval: c.RenewalIntervalDuration(),
		InitialBackoff:  time.Duration(c.InitialBackoff) * time.Millisecond,
		MaxBackoff:      time.Duration(c.MaxBackoff) * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = DefaultRenewalInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

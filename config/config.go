package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Auth        AuthConfig
	Channels    ChannelsConfig
	Reconnect   ReconnectConfig
	Credentials CredentialsConfig
	Redis       RedisConfig
	Trip        TripConfig
	Ledger      LedgerConfig
	Relay       RelayConfig
	Status      StatusConfig
	Log         LogConfig
}

type AuthConfig struct {
	BaseURL     string
	RefreshPath string
	Timeout     int // Seconds
}

type ChannelsConfig struct {
	LocationURL      string
	PaymentURL       string
	TokenQueryParam  string
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	WriteTimeout     int // Seconds
	DialRetries      int
	DialBackoff      int // Milliseconds
}

type ReconnectConfig struct {
	MaxAttempts     int
	MinInterval     int // Seconds
	HealthInterval  int // Seconds
	RenewalInterval int // Minutes
	InitialBackoff  int // Milliseconds
	MaxBackoff      int // Milliseconds
}

type CredentialsConfig struct {
	Store       string // "redis" or "memory"
	KeyPrefix   string
	RenewalLead int // Seconds
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type TripConfig struct {
	RepositoryURL  string
	GeofenceMeters float64
}

type LedgerConfig struct {
	BaseURL       string
	MaxCASRetries int
}

type RelayConfig struct {
	Type  string // "none", "redis" or "kafka"
	Topic string
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
}

type StatusConfig struct {
	Enabled bool
	Port    int
}

type LogConfig struct {
	Level string
}

func (c ChannelsConfig) Handshake() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

func (c ReconnectConfig) MinIntervalDuration() time.Duration {
	return time.Duration(c.MinInterval) * time.Second
}

func (c ReconnectConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

func (c ReconnectConfig) RenewalIntervalDuration() time.Duration {
	return time.Duration(c.RenewalInterval) * time.Minute
}

func (c CredentialsConfig) RenewalLeadDuration() time.Duration {
	return time.Duration(c.RenewalLead) * time.Second
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		v := viper.GetViper()
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		v.AutomaticEnv()
		v.SetEnvPrefix("TRIPSYNC")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		instance, initErr = Load(v)
	})
	return initErr
}

// Load builds and validates a config from v, applying defaults and env
// bindings first. Initialize uses it on the global viper instance.
func Load(v *viper.Viper) (*AppConfig, error) {
	setDefaults(v)
	bindEnvVars(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Get() *AppConfig {
	return instance
}

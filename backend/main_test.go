package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/tripsync/broker"
	"github.com/abdelmounim-dev/tripsync/config"
)

func TestRelayBrokerDisabled(t *testing.T) {
	cfg := &config.AppConfig{Relay: config.RelayConfig{Type: "none"}}

	mb, err := relayBroker(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, mb)
}

func TestRelayBrokerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.AppConfig{
		Redis: config.RedisConfig{Address: mr.Addr(), PoolSize: 2, PoolTimeout: 1},
		Relay: config.RelayConfig{Type: "Redis", Topic: "tripsync.events"},
	}

	mb, err := relayBroker(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &broker.RedisBroker{}, mb)
	require.NoError(t, mb.Close())
}

func TestRelayBrokerRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := &config.AppConfig{
		Redis: config.RedisConfig{Address: addr, PoolSize: 1, PoolTimeout: 1},
		Relay: config.RelayConfig{Type: broker.TypeRedis},
	}

	_, err := relayBroker(context.Background(), cfg)
	assert.Error(t, err)
}

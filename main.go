package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/abdelmounim-dev/tripsync/broker"
	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/config"
	"github.com/abdelmounim-dev/tripsync/coordinator"
	"github.com/abdelmounim-dev/tripsync/log"
	"github.com/abdelmounim-dev/tripsync/network"
	"github.com/abdelmounim-dev/tripsync/server"
	"github.com/abdelmounim-dev/tripsync/services"
	"github.com/abdelmounim-dev/tripsync/session"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A missing .env is fine outside development.
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		base := log.Base()
		base.Fatal().Err(err).Msg("failed to initialize config")
	}
	cfg := config.Get()

	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("main")

	var redisClient *redis.Client
	if strings.EqualFold(cfg.Credentials.Store, "redis") || strings.EqualFold(cfg.Relay.Type, broker.TypeRedis) {
		client, err := services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		redisClient = client
		defer services.CloseRedisClient(redisClient)
	}

	var store session.Store
	if strings.EqualFold(cfg.Credentials.Store, "redis") {
		store = session.NewRedisStore(redisClient, cfg.Credentials.KeyPrefix)
	} else {
		store = session.NewMemoryStore()
	}

	var messageBroker broker.MessageBroker
	logger.Info().Str("type", cfg.Relay.Type).Msg("initializing event relay")
	switch strings.ToLower(cfg.Relay.Type) {
	case broker.TypeRedis:
		messageBroker = broker.NewRedisBroker(redisClient)
	case broker.TypeKafka:
		kafkaBroker, err := broker.NewKafkaBroker(cfg.Relay.Kafka.Brokers)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka broker")
		}
		messageBroker = kafkaBroker
	}
	if messageBroker != nil {
		defer messageBroker.Close()
	}

	eventBus := bus.New(bus.WithLogger(log.WithComponent("bus")))

	deps := coordinator.Deps{
		Bus:    eventBus,
		Store:  store,
		Broker: messageBroker,
	}
	if addr, err := network.AddrFromURL(cfg.Channels.LocationURL); err == nil {
		deps.Reachability = network.NewProbeObserver(addr, eventBus,
			network.WithLogger(log.WithComponent("network")))
	} else {
		logger.Warn().Err(err).Msg("reachability probing disabled")
	}

	coord, err := coordinator.New(cfg, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create coordinator")
	}
	if err := coord.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinator")
	}

	// First run without a stored session: sign in from the environment.
	if token := os.Getenv("TRIPSYNC_ACCESS_TOKEN"); token != "" && !coord.Status().SignedIn {
		if err := coord.SignIn(ctx, token, os.Getenv("TRIPSYNC_REFRESH_TOKEN"), os.Getenv("TRIPSYNC_SESSION_ID")); err != nil {
			logger.Error().Err(err).Msg("sign-in failed")
		}
	}

	var statusServer *server.Server
	if cfg.Status.Enabled {
		addr := ":" + strconv.Itoa(cfg.Status.Port)
		statusServer = server.New(addr, coord.Status)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("status server shutdown failed")
		}
	}
	coord.Stop()
}

package main

import (
	"context"
	"fmt"

	sarama "github.com/IBM/sarama"
	"github.com/go-logr/logr"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warplock/v1/config"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

// newBus connects the configured mirror backend. It returns nil when
// mirroring is disabled.
func newBus(ctx context.Context, cfg config.Config) (syncbus.Bus, error) {
	switch cfg.MirrorBackend {
	case config.MirrorNone:
		return nil, nil
	case config.MirrorMemory:
		return syncbus.NewInMemoryBus(), nil
	case config.MirrorRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.MirrorRedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("mirror: redis %s: %w", cfg.MirrorRedisAddr, err)
		}
		return syncbus.NewRedisBus(client, cfg.MirrorTopic), nil
	case config.MirrorNATS:
		conn, err := nats.Connect(cfg.MirrorNATSURL, nats.Name("warplockd"))
		if err != nil {
			return nil, fmt.Errorf("mirror: nats %s: %w", cfg.MirrorNATSURL, err)
		}
		return syncbus.NewNATSBus(conn, cfg.MirrorTopic), nil
	case config.MirrorKafka:
		scfg := sarama.NewConfig()
		scfg.ClientID = "warplockd"
		scfg.Producer.RequiredAcks = sarama.WaitForLocal
		scfg.Producer.Return.Successes = true
		bus, err := syncbus.NewKafkaBus(cfg.MirrorKafkaBrokers, cfg.MirrorTopic, scfg)
		if err != nil {
			return nil, fmt.Errorf("mirror: kafka: %w", err)
		}
		return bus, nil
	}
	return nil, fmt.Errorf("mirror: unknown backend %q", cfg.MirrorBackend)
}

// newMirror wraps the configured bus in a circuit breaker and a Mirror.
func newMirror(ctx context.Context, cfg config.Config, log logr.Logger) (*syncbus.Mirror, error) {
	bus, err := newBus(ctx, cfg)
	if err != nil || bus == nil {
		return nil, err
	}
	breaker := syncbus.NewCircuitBreaker(bus, cfg.MirrorBreakerThreshold, cfg.MirrorBreakerTimeout)
	m := syncbus.NewMirror(breaker,
		syncbus.WithQueueSize(cfg.MirrorQueue),
		syncbus.WithMirrorLogger(log.WithName("mirror")),
	)
	log.Info("event mirror enabled", "backend", cfg.MirrorBackend, "topic", cfg.MirrorTopic, "origin", m.Origin())
	return m, nil
}

package syncbus

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus publishes events with Redis PUBLISH on "<topic>:<key>".
type RedisBus struct {
	client    *redis.Client
	topic     string
	published atomic.Uint64
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client *redis.Client, topic string) *RedisBus {
	return &RedisBus{client: client, topic: topic}
}

// Channel returns the Redis channel events for key are published on.
func (b *RedisBus) Channel(key string) string {
	return b.topic + ":" + key
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("warplock.bus.key", ev.Key)))
	defer span.End()

	data, err := ev.Encode()
	if err != nil {
		span.RecordError(err)
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.Channel(ev.Key), data).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = warperrors.ErrTimeout
		}
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load()}
}

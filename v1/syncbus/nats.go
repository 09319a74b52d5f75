package syncbus

import (
	"context"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NATSBus implements Bus using a NATS backend. Events for key are published
// on subject "<topic>.<key>".
type NATSBus struct {
	conn      *nats.Conn
	topic     string
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, topic string) *NATSBus {
	return &NATSBus{conn: conn, topic: topic}
}

// Subject returns the subject events for key are published on.
func (b *NATSBus) Subject(key string) string {
	return b.topic + "." + key
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(attribute.String("warplock.bus.key", ev.Key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := b.conn.Publish(b.Subject(ev.Key), data); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Close flushes pending messages and closes the connection.
func (b *NATSBus) Close() error {
	err := b.conn.Flush()
	b.conn.Close()
	if err == nats.ErrConnectionClosed {
		return nil
	}
	return err
}

// Metrics returns the published count.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load()}
}

package syncbus

import (
	"context"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KafkaBus implements Bus using a Kafka backend. Every event goes to one
// topic, keyed by the registry key so events of a key stay ordered.
type KafkaBus struct {
	producer  sarama.SyncProducer
	topic     string
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaBusFromProducer(producer, topic), nil
}

// NewKafkaBusFromProducer wraps an existing producer.
func NewKafkaBusFromProducer(producer sarama.SyncProducer, topic string) *KafkaBus {
	return &KafkaBus{producer: producer, topic: topic}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	_, span := tracer.Start(ctx, "KafkaBus.Publish", trace.WithAttributes(attribute.String("warplock.bus.key", ev.Key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		span.RecordError(err)
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Close closes the producer.
func (b *KafkaBus) Close() error {
	return b.producer.Close()
}

// Metrics returns the published count.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load()}
}

// Package syncbus mirrors committed registry events to an external bus
// (Redis, NATS, Kafka or an in-process tap). The mirror is write-only: it is
// never read back and never influences lock decisions.
package syncbus

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/mirkobrombin/warplock/v1/metrics"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithQueueSize bounds the number of events waiting to be published.
func WithQueueSize(n int) MirrorOption {
	return func(m *Mirror) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithOrigin sets the server instance identifier stamped on every event.
func WithOrigin(origin string) MirrorOption {
	return func(m *Mirror) {
		m.origin = origin
	}
}

// WithPublishTimeout bounds a single publish call.
func WithPublishTimeout(d time.Duration) MirrorOption {
	return func(m *Mirror) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMirrorLogger sets the logger used to report publish failures.
func WithMirrorLogger(l logr.Logger) MirrorOption {
	return func(m *Mirror) {
		m.logger = l
	}
}

// Mirror queues events and publishes them to a Bus from a single goroutine,
// so a slow or failing bus never delays a command.
type Mirror struct {
	bus       Bus
	origin    string
	queueSize int
	timeout   time.Duration
	logger    logr.Logger

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewMirror starts a Mirror publishing to bus.
func NewMirror(bus Bus, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		bus:       bus,
		queueSize: defaultQueueSize,
		timeout:   defaultPublishTimeout,
		logger:    logr.Discard(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.origin == "" {
		m.origin = NewOrigin()
	}
	m.queue = make(chan Event, m.queueSize)
	go m.run()
	return m
}

// Origin returns the identifier stamped on events.
func (m *Mirror) Origin() string {
	return m.origin
}

// Emit queues ev without blocking. When the queue is full or the mirror is
// closed the event is dropped and counted.
func (m *Mirror) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Origin = m.origin
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		metrics.MirrorCounter.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case m.queue <- ev:
	default:
		metrics.MirrorCounter.WithLabelValues("dropped").Inc()
		m.logger.V(1).Info("mirror queue full, dropping event", "type", string(ev.Type), "key", ev.Key)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for ev := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.bus.Publish(ctx, ev)
		cancel()
		if err != nil {
			metrics.MirrorCounter.WithLabelValues("failed").Inc()
			m.logger.Error(err, "mirror publish failed", "type", string(ev.Type), "key", ev.Key)
			continue
		}
		metrics.MirrorCounter.WithLabelValues("published").Inc()
	}
}

// Close stops accepting events, publishes what is already queued and closes
// the bus. If ctx ends first the remaining events are abandoned.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.bus.Close()
}

package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gouuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warplock/v1/syncbus")

// EventType names a committed change in the registry.
type EventType string

const (
	EventLockAcquired        EventType = "lock.acquired"
	EventLockRefreshed       EventType = "lock.refreshed"
	EventLockQueued          EventType = "lock.queued"
	EventLockReleased        EventType = "lock.released"
	EventLockDisconnected    EventType = "lock.disconnected"
	EventChannelSubscribed   EventType = "channel.subscribed"
	EventChannelUnsubscribed EventType = "channel.unsubscribed"
	EventChannelPublished    EventType = "channel.published"
	// EventLeft is emitted when a disconnecting connection is removed from a
	// wait queue or a channel.
	EventLeft EventType = "conn.left"
)

// Event is the envelope mirrored to external buses.
type Event struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Type    EventType `json:"type"`
	Key     string    `json:"key"`
	SubKey  *int32    `json:"sub_key,omitempty"`
	Conn    string    `json:"conn"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Encode returns the JSON form of ev.
func (ev Event) Encode() ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// NewOrigin returns a random identifier for this server instance.
func NewOrigin() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// Bus publishes events to an external system.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing and local
// taps.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish. Subscribers of ev.Key and of the wildcard
// key "*" receive the event; slow subscribers miss it.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[ev.Key]...)
	chans = append(chans, b.subs["*"]...)
	b.mu.Unlock()

	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving events for key until ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(key, ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
}

// Close closes every subscription channel.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, key)
	}
	return nil
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

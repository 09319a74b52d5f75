package syncbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/warplock/v1/metrics"
)

func TestMirrorStampsAndPublishes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := bus.Subscribe(ctx, "job")

	m := NewMirror(bus, WithOrigin("node-a"))
	m.Emit(Event{Type: EventLockAcquired, Key: "job", Conn: "c1"})

	select {
	case ev := <-ch:
		if ev.ID == "" {
			t.Fatal("expected event id to be set")
		}
		if ev.Origin != "node-a" {
			t.Fatalf("expected origin node-a, got %q", ev.Origin)
		}
		if ev.Time.IsZero() {
			t.Fatal("expected event time to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mirrored event")
	}

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMirrorDefaultsOrigin(t *testing.T) {
	m := NewMirror(NewInMemoryBus())
	defer m.Close(context.Background())
	if m.Origin() == "" {
		t.Fatal("expected generated origin")
	}
}

type blockingBus struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingBus) Publish(ctx context.Context, ev Event) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, ev)
	b.mu.Unlock()
	return nil
}

func (b *blockingBus) Close() error { return nil }

func TestMirrorDropsWhenQueueFull(t *testing.T) {
	bus := &blockingBus{release: make(chan struct{})}
	m := NewMirror(bus, WithQueueSize(1))

	before := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("dropped"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Emit(Event{Type: EventChannelPublished, Key: "news"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	// at most one in flight and one queued
	after := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("dropped"))
	if after-before < 8 {
		t.Fatalf("expected at least 8 drops, got %v", after-before)
	}

	close(bus.release)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.got) == 0 || len(bus.got) > 2 {
		t.Fatalf("expected 1 or 2 published events, got %d", len(bus.got))
	}
}

func TestMirrorCountsFailures(t *testing.T) {
	failErr := errors.New("down")
	var calls sync.WaitGroup
	calls.Add(1)
	mb := &mockBus{InMemoryBus: NewInMemoryBus(), publishFunc: func(ctx context.Context, ev Event) error {
		defer calls.Done()
		return failErr
	}}

	before := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("failed"))
	m := NewMirror(mb)
	m.Emit(Event{Type: EventLockReleased, Key: "job"})
	calls.Wait()
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	after := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("failed"))
	if after-before != 1 {
		t.Fatalf("expected one failure, got %v", after-before)
	}
}

func TestMirrorEmitAfterCloseIsDropped(t *testing.T) {
	bus := NewInMemoryBus()
	m := NewMirror(bus)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	before := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("dropped"))
	m.Emit(Event{Type: EventLockAcquired, Key: "job"})
	after := testutil.ToFloat64(metrics.MirrorCounter.WithLabelValues("dropped"))
	if after-before != 1 {
		t.Fatalf("expected one drop, got %v", after-before)
	}
}

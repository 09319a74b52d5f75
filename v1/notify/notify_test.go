package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mirkobrombin/warplock/v1/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) WriteNotification(msg string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.ch <- msg
	return nil
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return ""
	}
}

func TestDeliverRoutesToAttachedConnections(t *testing.T) {
	n := New(WithWorkers(2))
	defer n.Close()

	a, b := registry.NewConnID(), registry.NewConnID()
	ra, rb := newRecorder(), newRecorder()
	detachA := n.Attach(a, ra)
	defer detachA()
	detachB := n.Attach(b, rb)
	defer detachB()
	assert.Equal(t, 2, n.Attached())

	n.Deliver([]registry.Notification{
		{Conn: a, Message: "CHANNEL c one"},
		{Conn: b, Message: "CHANNEL c one"},
		{Conn: a, Message: "CHANNEL c two"},
	})

	assert.Equal(t, "CHANNEL c one", ra.next(t))
	assert.Equal(t, "CHANNEL c two", ra.next(t))
	assert.Equal(t, "CHANNEL c one", rb.next(t))
}

func TestDeliverWakesEachWorkerOnce(t *testing.T) {
	n := New(WithWorkers(1))
	defer n.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	gate := TransportFunc(func(string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	first := registry.NewConnID()
	defer n.Attach(first, gate)()
	n.Deliver([]registry.Notification{{Conn: first, Message: "hold"}})
	<-started

	w := n.workers[0]
	before := w.wakes.Load()

	conns := make([]registry.ConnID, 5)
	recs := make([]*recorder, 5)
	var batch []registry.Notification
	for i := range conns {
		conns[i] = registry.NewConnID()
		recs[i] = newRecorder()
		defer n.Attach(conns[i], recs[i])()
		batch = append(batch, registry.Notification{Conn: conns[i], Message: "UNLOCKED k"})
	}
	n.Deliver(batch)
	assert.Equal(t, before+1, w.wakes.Load())

	close(block)
	for _, r := range recs {
		assert.Equal(t, "UNLOCKED k", r.next(t))
	}
}

func TestDeliverDoesNotBlockOnSlowTransport(t *testing.T) {
	n := New()
	defer n.Close()

	block := make(chan struct{})
	defer close(block)
	slow := registry.NewConnID()
	defer n.Attach(slow, TransportFunc(func(string) error {
		<-block
		return nil
	}))()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Deliver([]registry.Notification{{Conn: slow, Message: "x"}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a slow transport")
	}
}

func TestWriteFailureDoesNotStopOtherTargets(t *testing.T) {
	n := New()
	defer n.Close()

	bad, good := registry.NewConnID(), registry.NewConnID()
	defer n.Attach(bad, TransportFunc(func(string) error { return errors.New("broken pipe") }))()
	rec := newRecorder()
	defer n.Attach(good, rec)()

	n.Deliver([]registry.Notification{
		{Conn: bad, Message: "UNLOCKED k"},
		{Conn: good, Message: "UNLOCKED k"},
	})
	assert.Equal(t, "UNLOCKED k", rec.next(t))
}

func TestDetachedConnectionIsSkipped(t *testing.T) {
	n := New()
	defer n.Close()

	gone, live := registry.NewConnID(), registry.NewConnID()
	goneRec, liveRec := newRecorder(), newRecorder()
	detach := n.Attach(gone, goneRec)
	defer n.Attach(live, liveRec)()
	detach()
	detach()

	n.Deliver([]registry.Notification{
		{Conn: gone, Message: "CHANNEL c x"},
		{Conn: live, Message: "CHANNEL c x"},
	})
	require.Equal(t, "CHANNEL c x", liveRec.next(t))

	goneRec.mu.Lock()
	defer goneRec.mu.Unlock()
	assert.Empty(t, goneRec.msgs)
	assert.Equal(t, 1, n.Attached())
}

func TestCloseIsIdempotent(t *testing.T) {
	n := New(WithWorkers(3))
	n.Close()
	assert.NotPanics(t, n.Close)
}

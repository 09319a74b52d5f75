// Package notify delivers out-of-band messages to client connections without
// blocking the caller. Connections are attached to a fixed set of workers;
// a batch of messages wakes every involved worker once and the worker writes
// the messages to each connection's transport.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/registry"
)

// Transport writes one notification to a connection. Implementations frame
// the message for their wire protocol.
type Transport interface {
	WriteNotification(msg string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(msg string) error

// WriteNotification implements Transport.
func (f TransportFunc) WriteNotification(msg string) error {
	return f(msg)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithWorkers sets the number of delivery workers. Values below one are
// ignored.
func WithWorkers(n int) Option {
	return func(nt *Notifier) {
		if n > 0 {
			nt.size = n
		}
	}
}

// WithLogger sets the logger used to report delivery failures.
func WithLogger(l logr.Logger) Option {
	return func(nt *Notifier) {
		nt.logger = l
	}
}

// Notifier routes messages to attached connections.
type Notifier struct {
	size   int
	logger logr.Logger

	mu      sync.RWMutex
	boxes   map[registry.ConnID]*mailbox
	workers []*Worker
	next    atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a Notifier and its workers.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		size:   1,
		logger: logr.Discard(),
		boxes:  make(map[registry.ConnID]*mailbox),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.workers = make([]*Worker, n.size)
	for i := range n.workers {
		w := &Worker{id: i, wake: make(chan struct{}, 1), logger: n.logger.WithValues("worker", i)}
		n.workers[i] = w
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			w.run(n.done)
		}()
	}
	return n
}

// Attach binds conn to a worker and routes its notifications to t. The
// returned function detaches the connection; pending messages are dropped.
func (n *Notifier) Attach(conn registry.ConnID, t Transport) (detach func()) {
	w := n.workers[int(n.next.Add(1)-1)%len(n.workers)]
	box := &mailbox{conn: conn, transport: t, worker: w}

	n.mu.Lock()
	if old, ok := n.boxes[conn]; ok {
		old.close()
	}
	n.boxes[conn] = box
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		if n.boxes[conn] == box {
			delete(n.boxes, conn)
		}
		n.mu.Unlock()
		if dropped := box.close(); dropped > 0 {
			metrics.NotificationCounter.WithLabelValues("dropped").Add(float64(dropped))
		}
	}
}

// Deliver enqueues every notification on its connection's mailbox and then
// wakes each involved worker once. It never waits for I/O.
func (n *Notifier) Deliver(batch []registry.Notification) {
	if len(batch) == 0 {
		return
	}
	woken := make(map[*Worker]struct{}, len(n.workers))
	dropped := 0

	n.mu.RLock()
	for _, note := range batch {
		box, ok := n.boxes[note.Conn]
		if !ok {
			dropped++
			n.logger.V(1).Info("dropping notification for unknown connection", "conn", note.Conn.String())
			continue
		}
		if box.enqueue(note.Message) {
			box.worker.schedule(box)
		}
		woken[box.worker] = struct{}{}
	}
	n.mu.RUnlock()

	if dropped > 0 {
		metrics.NotificationCounter.WithLabelValues("dropped").Add(float64(dropped))
	}
	for w := range woken {
		w.notify()
	}
}

// Attached returns the number of attached connections.
func (n *Notifier) Attached() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.boxes)
}

// Close stops the workers and waits for them to exit. Undelivered messages
// are discarded.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}

type mailbox struct {
	conn      registry.ConnID
	transport Transport
	worker    *Worker

	mu        sync.Mutex
	pending   []string
	scheduled bool
	closed    bool
}

// enqueue appends msg and reports whether the mailbox must be handed to its
// worker.
func (b *mailbox) enqueue(msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.pending = append(b.pending, msg)
	if b.scheduled {
		return false
	}
	b.scheduled = true
	return true
}

func (b *mailbox) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.pending
	b.pending = nil
	b.scheduled = false
	if b.closed {
		return nil
	}
	return msgs
}

func (b *mailbox) close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.pending)
	b.closed = true
	b.pending = nil
	return dropped
}

// Worker writes queued notifications for the connections attached to it.
type Worker struct {
	id     int
	wake   chan struct{}
	logger logr.Logger
	wakes  atomic.Uint64

	mu    sync.Mutex
	ready []*mailbox
}

func (w *Worker) schedule(b *mailbox) {
	w.mu.Lock()
	w.ready = append(w.ready, b)
	w.mu.Unlock()
}

// notify wakes the worker. Extra wakes while one is pending are absorbed.
func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
		w.wakes.Add(1)
	default:
	}
}

func (w *Worker) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-w.wake:
		}
		w.drain()
	}
}

func (w *Worker) drain() {
	w.mu.Lock()
	ready := w.ready
	w.ready = nil
	w.mu.Unlock()

	for _, box := range ready {
		for _, msg := range box.take() {
			if err := box.transport.WriteNotification(msg); err != nil {
				metrics.NotificationCounter.WithLabelValues("failed").Inc()
				w.logger.Error(err, "notification write failed", "conn", box.conn.String())
				continue
			}
			metrics.NotificationCounter.WithLabelValues("delivered").Inc()
		}
	}
}

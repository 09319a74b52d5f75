// Package server hosts the coordination core on the network. It accepts TCP
// clients speaking the line protocol and WebSocket clients sending one
// command per text frame. Every connection gets a registry.ConnID, is
// attached to the notifier for out-of-band messages and is cleaned up through
// the router exactly once when it goes away.
package server

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/notify"
	"github.com/mirkobrombin/warplock/v1/registry"
	"github.com/mirkobrombin/warplock/v1/router"
)

// Version is reported by the VERSION command unless overridden.
const Version = "1.0.0"

const (
	defaultMaxLineBytes = 64 * 1024
	maxAcceptBackoff    = time.Second
)

var (
	ErrServerClosed = stdErrors.New("server closed")
	errLineTooLong  = stdErrors.New("line too long")
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxConnections caps concurrent connections. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.maxConns = n
		}
	}
}

// WithReadTimeout closes connections idle for longer than d. Zero disables
// the timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// WithWriteTimeout bounds every reply and notification write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithMaxLineBytes bounds the length of a command line.
func WithMaxLineBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// WithVersion overrides the VERSION reply.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// peer is one live client connection regardless of transport.
type peer interface {
	notify.Transport
	id() registry.ConnID
	reply(resp string) error
	// interrupt unblocks a pending read so the handler can exit.
	interrupt()
	close() error
}

// Server accepts connections and feeds their commands to the router.
type Server struct {
	router   *router.Router
	notifier *notify.Notifier
	logger   logr.Logger

	maxConns     int
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxLineBytes int
	version      string

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	peers     map[peer]struct{}
	closing   atomic.Bool
	wg        sync.WaitGroup
}

// New returns a Server routing commands through r and delivering
// notifications through n.
func New(r *router.Router, n *notify.Notifier, opts ...Option) *Server {
	s := &Server{
		router:       r,
		notifier:     n,
		logger:       logr.Discard(),
		maxLineBytes: defaultMaxLineBytes,
		version:      Version,
		listeners:    make(map[net.Listener]struct{}),
		peers:        make(map[peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the TCP address addr and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called. It always
// returns a non-nil error; after Shutdown the error is ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	s.logger.Info("listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if stdErrors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > maxAcceptBackoff {
					backoff = maxAcceptBackoff
				}
				s.logger.Error(err, "accept failed, retrying", "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		c := newTCPPeer(nc, s.writeTimeout)
		if !s.admit(c) {
			continue
		}
		go s.serveTCP(ctx, c)
	}
}

// Shutdown stops accepting connections and interrupts every pending read so
// handlers exit after their in-flight command. Connections still open when
// ctx ends are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	for ln := range s.listeners {
		_ = ln.Close()
	}
	for p := range s.peers {
		p.interrupt()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for p := range s.peers {
		_ = p.close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// admit registers p or rejects it when the server is closing or full.
func (s *Server) admit(p peer) bool {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = p.close()
		return false
	}
	if s.maxConns > 0 && len(s.peers) >= s.maxConns {
		s.mu.Unlock()
		_ = p.reply("SERVER_ERROR too many connections\r\n")
		_ = p.close()
		s.logger.V(1).Info("connection rejected, limit reached", "limit", s.maxConns)
		return false
	}
	s.peers[p] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.ConnectionGauge.Inc()
	return true
}

// release undoes admit and runs the disconnect cleanup for p.
func (s *Server) release(ctx context.Context, p peer, detach func()) {
	detach()
	s.router.Disconnect(context.WithoutCancel(ctx), p.id())
	_ = p.close()

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	metrics.ConnectionGauge.Dec()
	s.wg.Done()
}

// handleLine executes one command line and returns the reply. quit reports
// that the client asked to close the connection.
func (s *Server) handleLine(ctx context.Context, p peer, line string) (resp string, quit bool) {
	args := strings.Fields(line)
	if len(args) > 0 {
		switch strings.ToUpper(args[0]) {
		case "QUIT":
			return "", true
		case "VERSION":
			if len(args) == 1 {
				return "VERSION " + s.version + "\r\n", false
			}
		}
	}
	return s.router.Execute(ctx, p.id(), args), false
}

func isClosedConn(err error) bool {
	return stdErrors.Is(err, net.ErrClosed) || stdErrors.Is(err, warperrors.ErrConnectionClosed)
}

// Package router validates tokenized LOCK, UNLOCK, PUBLISH, SUBSCRIBE and
// UNSUBSCRIBE commands, applies them to the registry and connection index,
// and renders the textual reply. Notifications produced by a command are
// handed to the notifier after the registry lock has been released.
package router

import (
	"context"
	stdErrors "errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/registry"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warplock/v1/router")

const (
	crlf = "\r\n"

	respOK           = "OK"
	respOwned        = "OWNED"
	respRetryLater   = "RETRY_LATER"
	respSuccess      = "SUCCESS"
	respNotFound     = "NOT_FOUND"
	respNotOwned     = "NOT_OWNED"
	respNotSub       = "NOT_SUBSCRIBED"
	respTypeMismatch = "TYPE_MISMATCH"
	respPublished    = "PUBLISHED"
	respEnd          = "END"
	respError        = "ERROR"
	respBadFormat    = "CLIENT_ERROR bad command line format"
)

// maxLeaseSeconds keeps the lease within time.Duration range.
var maxLeaseSeconds = float64(math.MaxInt64) / float64(time.Second)

// Notifier receives notifications produced by a command.
type Notifier interface {
	Deliver(batch []registry.Notification)
}

// EventSink receives committed coordination events. Emit must not block.
type EventSink interface {
	Emit(ev syncbus.Event)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l logr.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithEvents mirrors committed state changes to sink.
func WithEvents(sink EventSink) Option {
	return func(r *Router) {
		r.events = sink
	}
}

// WithLegacyRetryNewline terminates RETRY_LATER replies with a bare "\n"
// for clients that depend on the historical framing.
func WithLegacyRetryNewline(enabled bool) Option {
	return func(r *Router) {
		r.legacyRetryNewline = enabled
	}
}

// Router maps commands onto registry operations.
type Router struct {
	reg      *registry.Registry
	index    *registry.Index
	notifier Notifier
	events   EventSink
	logger   logr.Logger

	legacyRetryNewline bool
}

// New returns a Router over reg and index delivering notifications through n.
func New(reg *registry.Registry, index *registry.Index, n Notifier, opts ...Option) *Router {
	r := &Router{
		reg:      reg,
		index:    index,
		notifier: n,
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one tokenized command for conn and returns the full reply,
// every line terminated by CRLF. args[0] is the command name.
func (r *Router) Execute(ctx context.Context, conn registry.ConnID, args []string) string {
	if len(args) == 0 {
		return respError + crlf
	}
	cmd := strings.ToUpper(args[0])
	label := strings.ToLower(cmd)

	ctx, span := tracer.Start(ctx, "Router.Execute", trace.WithAttributes(
		attribute.String("warplock.command", label),
	))
	defer span.End()
	if len(args) > 1 {
		span.SetAttributes(attribute.String("warplock.key", args[1]))
	}

	var resp, result string
	switch cmd {
	case "LOCK":
		resp, result = r.lock(ctx, conn, args[1:])
	case "UNLOCK":
		resp, result = r.unlock(ctx, conn, args[1:])
	case "PUBLISH":
		resp, result = r.publish(ctx, conn, args[1:])
	case "SUBSCRIBE":
		resp, result = r.subscribe(ctx, conn, args[1:])
	case "UNSUBSCRIBE":
		resp, result = r.unsubscribe(ctx, conn, args[1:])
	default:
		label = "unknown"
		resp, result = respError+crlf, respError
	}

	span.SetAttributes(attribute.String("warplock.result", result))
	metrics.CommandCounter.WithLabelValues(label, result).Inc()
	return resp
}

// Disconnect forgets conn: every lock it owns is released, and it leaves
// every wait queue and channel. Waiters of released locks are notified.
// Calling it again for the same connection does nothing.
func (r *Router) Disconnect(ctx context.Context, conn registry.ConnID) {
	keys := r.index.Take(conn)
	if len(keys) == 0 {
		return
	}
	_, span := tracer.Start(ctx, "Router.Disconnect", trace.WithAttributes(
		attribute.Int("warplock.keys", len(keys)),
	))
	defer span.End()

	res := r.reg.Disconnect(conn, keys)
	r.notifier.Deliver(res.Notifications)
	for _, key := range res.Released {
		r.emit(syncbus.EventLockDisconnected, key, registry.NoSubKey, conn, "")
	}
	for _, key := range res.Left {
		r.emit(syncbus.EventLeft, key, registry.NoSubKey, conn, "")
	}
	r.logger.V(1).Info("connection cleaned up",
		"conn", conn.String(),
		"keys", len(keys),
		"released", len(res.Released),
		"notified", len(res.Notifications),
	)
}

func (r *Router) lock(_ context.Context, conn registry.ConnID, args []string) (string, string) {
	if len(args) < 2 || len(args) > 3 {
		return respError + crlf, respError
	}
	key := args[0]
	sub := registry.NoSubKey
	if len(args) == 3 {
		s, err := parseSubKey(args[1])
		if err != nil {
			return respBadFormat + crlf, "CLIENT_ERROR"
		}
		sub = s
	}
	lease, err := parseLease(args[len(args)-1])
	if err != nil {
		return respBadFormat + crlf, "CLIENT_ERROR"
	}

	res, err := r.reg.Acquire(key, sub, conn, lease)
	if err != nil {
		tok := errorToken(err)
		return tok + crlf, tok
	}
	r.index.Add(conn, key)

	switch res.Status {
	case registry.Acquired:
		r.emit(syncbus.EventLockAcquired, key, sub, conn, "")
		return respOK + crlf, respOK
	case registry.Refreshed:
		r.emit(syncbus.EventLockRefreshed, key, sub, conn, "")
		return respOwned + crlf, respOwned
	default:
		r.emit(syncbus.EventLockQueued, key, sub, conn, "")
		term := crlf
		if r.legacyRetryNewline {
			term = "\n"
		}
		return respRetryLater + " " + strconv.FormatFloat(res.Remaining.Seconds(), 'f', 3, 64) + term, respRetryLater
	}
}

func (r *Router) unlock(_ context.Context, conn registry.ConnID, args []string) (string, string) {
	if len(args) < 1 || len(args) > 2 {
		return respError + crlf, respError
	}
	key := args[0]
	sub := registry.NoSubKey
	if len(args) == 2 {
		s, err := parseSubKey(args[1])
		if err != nil {
			return respBadFormat + crlf, "CLIENT_ERROR"
		}
		sub = s
	}

	res, err := r.reg.Release(key, sub, conn)
	if err != nil {
		if stdErrors.Is(err, warperrors.ErrNotFound) {
			r.index.Remove(conn, key)
		}
		tok := errorToken(err)
		return tok + crlf, tok
	}
	if !res.Participating {
		r.index.Remove(conn, key)
	}
	r.notifier.Deliver(res.Notifications)
	r.emit(syncbus.EventLockReleased, key, sub, conn, "")
	return respSuccess + crlf, respSuccess
}

func (r *Router) publish(_ context.Context, conn registry.ConnID, args []string) (string, string) {
	if len(args) != 2 {
		return respError + crlf, respError
	}
	key, msg := args[0], args[1]
	batch, err := r.reg.Publish(key, msg)
	if err != nil {
		tok := errorToken(err)
		return tok + crlf, tok
	}
	r.notifier.Deliver(batch)
	r.emit(syncbus.EventChannelPublished, key, registry.NoSubKey, conn, msg)
	return respPublished + crlf, respPublished
}

func (r *Router) subscribe(_ context.Context, conn registry.ConnID, keys []string) (string, string) {
	if len(keys) == 0 {
		return respError + crlf, respError
	}
	var b strings.Builder
	b.WriteString("SUBSCRIBE " + strconv.Itoa(len(keys)) + crlf)
	for _, key := range keys {
		if err := r.reg.Subscribe(key, conn); err != nil {
			b.WriteString(key + " " + errorToken(err) + crlf)
			continue
		}
		r.index.Add(conn, key)
		r.emit(syncbus.EventChannelSubscribed, key, registry.NoSubKey, conn, "")
		b.WriteString(key + " " + respSuccess + crlf)
	}
	b.WriteString(respEnd + crlf)
	return b.String(), "SUBSCRIBE"
}

func (r *Router) unsubscribe(_ context.Context, conn registry.ConnID, keys []string) (string, string) {
	if len(keys) == 0 {
		return respError + crlf, respError
	}
	var b strings.Builder
	b.WriteString("UNSUBSCRIBE " + strconv.Itoa(len(keys)) + crlf)
	for _, key := range keys {
		err := r.reg.Unsubscribe(key, conn)
		if err == nil || stdErrors.Is(err, warperrors.ErrNotFound) {
			r.index.Remove(conn, key)
		}
		if err != nil {
			b.WriteString(key + " " + errorToken(err) + crlf)
			continue
		}
		r.emit(syncbus.EventChannelUnsubscribed, key, registry.NoSubKey, conn, "")
		b.WriteString(key + " " + respSuccess + crlf)
	}
	b.WriteString(respEnd + crlf)
	return b.String(), "UNSUBSCRIBE"
}

func (r *Router) emit(typ syncbus.EventType, key string, sub registry.SubKey, conn registry.ConnID, msg string) {
	if r.events == nil {
		return
	}
	ev := syncbus.Event{
		Type:    typ,
		Key:     key,
		Conn:    conn.String(),
		Message: msg,
		Time:    time.Now().UTC(),
	}
	if n, ok := sub.Value(); ok {
		ev.SubKey = &n
	}
	r.events.Emit(ev)
}

func errorToken(err error) string {
	switch {
	case stdErrors.Is(err, warperrors.ErrNotFound):
		return respNotFound
	case stdErrors.Is(err, warperrors.ErrTypeMismatch):
		return respTypeMismatch
	case stdErrors.Is(err, warperrors.ErrNotOwned):
		return respNotOwned
	case stdErrors.Is(err, warperrors.ErrNotSubscribed):
		return respNotSub
	case stdErrors.Is(err, warperrors.ErrBadFormat):
		return respBadFormat
	}
	return respError
}

func parseSubKey(s string) (registry.SubKey, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return registry.NoSubKey, warperrors.ErrBadFormat
	}
	return registry.Sub(int32(n)), nil
}

func parseLease(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs >= maxLeaseSeconds {
		return 0, warperrors.ErrBadFormat
	}
	return time.Duration(secs * float64(time.Second)), nil
}

package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/registry"
)

var upgrader = websocket.Upgrader{}

type wsPeer struct {
	conn         registry.ConnID
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsPeer) id() registry.ConnID { return c.conn }

// reply sends resp as one text frame without its final line terminator.
func (c *wsPeer) reply(resp string) error {
	resp = strings.TrimSuffix(resp, "\n")
	resp = strings.TrimSuffix(resp, "\r")
	return c.send(resp)
}

// WriteNotification implements notify.Transport.
func (c *wsPeer) WriteNotification(msg string) error {
	return c.send(msg)
}

func (c *wsPeer) send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return warperrors.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *wsPeer) interrupt() {
	_ = c.ws.SetReadDeadline(time.Now())
}

func (c *wsPeer) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// WebSocketHandler upgrades the request and serves the line protocol over
// it: every text frame is one command line, every reply and notification is
// one text frame.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.closing.Load() {
			http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(int64(s.maxLineBytes))

		c := &wsPeer{conn: registry.NewConnID(), ws: ws, writeTimeout: s.writeTimeout}
		if !s.admit(c) {
			return
		}
		s.serveWS(r.Context(), c)
	}
}

func (s *Server) serveWS(ctx context.Context, c *wsPeer) {
	detach := s.notifier.Attach(c.conn, c)
	defer s.release(ctx, c, detach)

	log := s.logger.WithValues("conn", c.conn.String(), "remote", c.ws.RemoteAddr().String(), "transport", "websocket")
	log.V(1).Info("connection opened")
	defer log.V(1).Info("connection closed")

	for {
		if s.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		if s.closing.Load() {
			return
		}
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closing.Load() {
				log.V(1).Info("websocket read ended", "err", err.Error())
			}
			return
		}
		if typ != websocket.TextMessage {
			_ = c.reply("CLIENT_ERROR text frames only\r\n")
			continue
		}

		line := strings.TrimRight(string(data), "\r\n")
		resp, quit := s.handleLine(ctx, c, line)
		if quit {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		if err := c.reply(resp); err != nil {
			return
		}
	}
}

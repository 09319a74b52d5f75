package server

import (
	"bufio"
	"context"
	stdErrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mirkobrombin/warplock/v1/registry"
)

type tcpPeer struct {
	conn         registry.ConnID
	nc           net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
	w  *bufio.Writer
}

func newTCPPeer(nc net.Conn, writeTimeout time.Duration) *tcpPeer {
	return &tcpPeer{
		conn:         registry.NewConnID(),
		nc:           nc,
		writeTimeout: writeTimeout,
		w:            bufio.NewWriter(nc),
	}
}

func (c *tcpPeer) id() registry.ConnID { return c.conn }

// reply writes resp as is; router replies are already framed.
func (c *tcpPeer) reply(resp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.w.WriteString(resp); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteNotification implements notify.Transport.
func (c *tcpPeer) WriteNotification(msg string) error {
	return c.reply(msg + "\r\n")
}

func (c *tcpPeer) interrupt() {
	_ = c.nc.SetReadDeadline(time.Now())
}

func (c *tcpPeer) close() error {
	return c.nc.Close()
}

func (s *Server) serveTCP(ctx context.Context, c *tcpPeer) {
	detach := s.notifier.Attach(c.conn, c)
	defer s.release(ctx, c, detach)

	log := s.logger.WithValues("conn", c.conn.String(), "remote", c.nc.RemoteAddr().String())
	log.V(1).Info("connection opened")
	defer log.V(1).Info("connection closed")

	rd := bufio.NewReaderSize(c.nc, s.maxLineBytes)
	for {
		if s.readTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		// checked after arming the deadline so a concurrent interrupt wins
		if s.closing.Load() {
			return
		}
		line, err := readLine(rd)
		if err != nil {
			switch {
			case stdErrors.Is(err, errLineTooLong):
				_ = c.nc.SetReadDeadline(time.Now().Add(time.Second))
				discardLine(rd)
				_ = c.reply("CLIENT_ERROR line too long\r\n")
			case stdErrors.Is(err, io.EOF), isClosedConn(err):
			case stdErrors.Is(err, os.ErrDeadlineExceeded):
				if !s.closing.Load() {
					log.V(1).Info("idle connection timed out")
				}
			default:
				log.Error(err, "read failed")
			}
			return
		}

		resp, quit := s.handleLine(ctx, c, line)
		if quit {
			return
		}
		if err := c.reply(resp); err != nil {
			if !isClosedConn(err) {
				log.Error(err, "write failed")
			}
			return
		}
	}
}

// readLine returns the next line without its "\r\n" or "\n" terminator. A
// line that does not fit the reader buffer yields errLineTooLong.
func readLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadSlice('\n')
	if err != nil {
		if stdErrors.Is(err, bufio.ErrBufferFull) {
			return "", errLineTooLong
		}
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// discardLine consumes input up to and including the next newline.
func discardLine(rd *bufio.Reader) {
	for {
		_, err := rd.ReadSlice('\n')
		if !stdErrors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

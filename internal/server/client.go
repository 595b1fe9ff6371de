// Package server manages individual chat connections, running the name
// handshake, the command loop, and lifecycle control for each one.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sharechat/internal/session"
)

// Client is the worker that exclusively owns one connection's reads and its
// protocol state. Its states are AWAITING_NAME, ACTIVE and CLOSED.
type Client struct {
	srv     *Server
	conn    net.Conn
	addr    string
	sess    *session.Session
	buf     []byte
	log     *logrus.Entry
	limiter *chatLimiter
}

func newClient(srv *Server, conn net.Conn) *Client {
	addr := "unknown"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	return &Client{
		srv:     srv,
		conn:    conn,
		addr:    addr,
		buf:     make([]byte, srv.cfg.BufferSize),
		log:     srv.log.WithField("remote", addr),
		limiter: newChatLimiter(srv.cfg.RateLimit, srv.now),
	}
}

func (c *Client) run() {
	if err := c.awaitName(); err != nil {
		c.handleReadError(err)
		c.closeConnection()
		return
	}
	defer c.srv.hub.Leave(c.sess)

	for {
		payload, err := c.readPayload(c.srv.cfg.BufferSize)
		if err != nil {
			c.handleReadError(err)
			return
		}

		text := decodePayload(payload)
		if text == "" {
			continue
		}

		quit, err := c.dispatch(text)
		if err != nil {
			c.handleReadError(err)
			return
		}
		if quit {
			return
		}
	}
}

// awaitName runs the AWAITING_NAME state and registers the session.
func (c *Client) awaitName() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.DeliveryTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(namePrompt)); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}

	payload, err := c.readPayload(min(defaultNameBufferSize, c.srv.cfg.BufferSize))
	if err != nil {
		return err
	}

	name := decodePayload(payload)
	if name == "" {
		name = "User_" + c.addr
	}

	c.sess = session.New(c.conn, name, c.srv.cfg.DeliveryTimeout)
	c.log = c.log.WithFields(logrus.Fields{
		"user":    name,
		"session": c.sess.ID(),
	})

	if err := c.srv.hub.Join(c.sess); err != nil {
		return err
	}
	if err := c.reply(welcomeText(name)); err != nil {
		c.srv.hub.Leave(c.sess)
		return err
	}
	return nil
}

// dispatch interprets one ACTIVE-state payload. It returns quit when the
// client asked to leave and a non-nil error when the connection is unusable.
func (c *Client) dispatch(text string) (bool, error) {
	switch {
	case text == cmdQuit:
		return true, c.reply(msgGoodbye)

	case text == cmdUsers:
		return false, c.reply(userList(c.srv.hub.Sessions().Names()))

	case text == cmdFiles:
		return false, c.reply(fileList(c.srv.catalog.List()))

	case text == cmdUpload:
		return false, c.handleUpload()

	case text == cmdDownload:
		return false, c.handleDownload("", false)

	case strings.HasPrefix(text, cmdDownload+" "):
		return false, c.handleDownload(strings.TrimSpace(strings.TrimPrefix(text, cmdDownload)), true)

	case text == cmdHelp:
		return false, c.reply(welcomeText(c.sess.Name()))

	default:
		return false, c.processMessage(text)
	}
}

// processMessage broadcasts a chat line. The sender receives its own line.
func (c *Client) processMessage(text string) error {
	if !c.checkRateLimit() {
		return c.reply(msgRateLimit)
	}

	line := chatLine(c.srv.now(), c.sess.Name(), text)
	c.log.WithField("text", text).Debug("Chat message")
	if c.srv.metrics != nil {
		c.srv.metrics.chatMessages.Inc()
	}
	c.srv.hub.Broadcast([]byte(line), nil)
	return nil
}

// checkRateLimit charges one chat line against the session's bucket.
func (c *Client) checkRateLimit() bool {
	if c.limiter == nil {
		return true
	}
	ok, retry := c.limiter.allow()
	if !ok {
		c.log.WithField("retry_after", retry).Warn("Rate limit exceeded; discarding message")
	}
	return ok
}

// reply writes a command response to this client. A client that stops
// reading fails the reply after DeliveryTimeout instead of stalling its worker.
func (c *Client) reply(msg string) error {
	return c.sess.Write([]byte(msg), c.srv.cfg.DeliveryTimeout)
}

// readPayload performs one read of at most limit bytes. A zero-length read
// caused by the peer closing surfaces as io.EOF.
func (c *Client) readPayload(limit int) ([]byte, error) {
	if limit <= 0 || limit > len(c.buf) {
		limit = len(c.buf)
	}

	for {
		n, err := c.conn.Read(c.buf[:limit])
		if n > 0 {
			return c.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) setReadTimeout(d time.Duration) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.log.WithError(err).Debug("Error setting read deadline")
	}
}

func (c *Client) clearReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		c.log.WithError(err).Debug("Error clearing read deadline")
	}
}

// handleReadError logs appropriate messages based on the error type.
func (c *Client) handleReadError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		c.log.Info("Client disconnected")
	case errors.Is(err, session.ErrClosed) || isExpectedCloseError(err):
		c.log.WithError(err).Info("Client connection closed")
	case isTimeout(err):
		c.log.WithError(err).Warn("Client connection timed out")
	default:
		c.log.WithError(err).Warn("Client connection error")
	}
}

// closeConnection closes a connection that never completed the handshake.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Warn("Error closing connection")
	}
}

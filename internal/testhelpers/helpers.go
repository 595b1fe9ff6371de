// Package testhelpers provides common utilities for testing the chat server.
//
// The ChatClient type speaks the wire protocol over TCP or WebSocket: it
// performs the name handshake, waits for explicit tokens instead of sleeping,
// and runs both halves of the file-transfer handshake.
package testhelpers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every wait performed by a ChatClient.
const DefaultTimeout = 5 * time.Second

// WelcomeTrailer ends the welcome/help text.
const WelcomeTrailer = "----------------------------------------\n"

// Stream is the transport a ChatClient reads and writes.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// ChatClient is a protocol-speaking test client.
type ChatClient struct {
	t      *testing.T
	stream Stream
	local  string
	buf    []byte
}

// Dial opens a TCP connection to addr. The connection is closed on cleanup.
func Dial(t *testing.T, addr string) *ChatClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	require.NoError(t, err, "dial %s", addr)

	c := &ChatClient{t: t, stream: conn, local: conn.LocalAddr().String()}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// DialWebSocket opens a WebSocket connection to url with the given Origin
// header (empty for none).
func DialWebSocket(t *testing.T, url, origin string) (*ChatClient, error) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	ws, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &ChatClient{t: t, stream: &wsStream{ws: ws}, local: ws.LocalAddr().String()}
	t.Cleanup(func() { _ = c.Close() })
	return c, nil
}

// Join dials addr over TCP and completes the name handshake.
func Join(t *testing.T, addr, name string) *ChatClient {
	t.Helper()
	c := Dial(t, addr)
	c.Handshake(name)
	return c
}

// Handshake answers the name prompt and waits for the welcome text.
func (c *ChatClient) Handshake(name string) {
	c.t.Helper()
	c.Expect("Enter your name: ")
	c.Send(name)
	c.Expect(WelcomeTrailer)
}

// LocalAddr returns the client side address of the connection.
func (c *ChatClient) LocalAddr() string {
	return c.local
}

// Send writes text as one payload.
func (c *ChatClient) Send(text string) {
	c.t.Helper()
	c.SendBytes([]byte(text))
}

// SendBytes writes raw bytes as one payload.
func (c *ChatClient) SendBytes(p []byte) {
	c.t.Helper()
	_, err := c.stream.Write(p)
	require.NoError(c.t, err, "send %d bytes", len(p))
}

// Close closes the connection.
func (c *ChatClient) Close() error {
	return c.stream.Close()
}

// fill performs one read into the buffer.
func (c *ChatClient) fill(deadline time.Time) error {
	if err := c.stream.SetReadDeadline(deadline); err != nil {
		return err
	}
	tmp := make([]byte, 8192)
	n, err := c.stream.Read(tmp)
	c.buf = append(c.buf, tmp[:n]...)
	return err
}

// Expect reads until token has been received and returns everything up to
// and including it. Received data after the token stays buffered.
func (c *ChatClient) Expect(token string) string {
	c.t.Helper()
	_, out := c.ExpectAny(token)
	return out
}

// ExpectAny waits for the first of tokens to appear and returns it together
// with the consumed text.
func (c *ChatClient) ExpectAny(tokens ...string) (string, string) {
	c.t.Helper()
	deadline := time.Now().Add(DefaultTimeout)

	for {
		best, bestIdx := "", -1
		for _, tok := range tokens {
			if i := bytes.Index(c.buf, []byte(tok)); i >= 0 && (bestIdx < 0 || i < bestIdx) {
				best, bestIdx = tok, i
			}
		}
		if bestIdx >= 0 {
			end := bestIdx + len(best)
			out := string(c.buf[:end])
			c.buf = c.buf[end:]
			return best, out
		}

		if err := c.fill(deadline); err != nil {
			require.FailNowf(c.t, "token not received",
				"waiting for %q: %v\nreceived so far: %q", tokens, err, c.buf)
		}
	}
}

// ExpectLine waits for a line starting with prefix and returns the whole
// line including the newline.
func (c *ChatClient) ExpectLine(prefix string) string {
	c.t.Helper()
	c.Expect(prefix)
	rest := c.Expect("\n")
	return prefix + rest
}

// ExpectNone reads for d and fails if token arrives.
func (c *ChatClient) ExpectNone(token string, d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)

	for time.Now().Before(deadline) {
		require.NotContains(c.t, string(c.buf), token, "unexpected %q", token)
		if err := c.fill(deadline); err != nil {
			break
		}
	}
	require.NotContains(c.t, string(c.buf), token, "unexpected %q", token)
}

// ExpectClosed waits until the server closes the connection.
func (c *ChatClient) ExpectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(DefaultTimeout)

	for {
		err := c.fill(deadline)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			require.FailNow(c.t, "connection was not closed by the server")
		}
		return
	}
}

// ReadN returns exactly n raw bytes, starting with anything already buffered.
func (c *ChatClient) ReadN(n int) []byte {
	c.t.Helper()
	deadline := time.Now().Add(DefaultTimeout)

	for len(c.buf) < n {
		if err := c.fill(deadline); err != nil {
			require.FailNowf(c.t, "short read", "read %d/%d bytes: %v", len(c.buf), n, err)
		}
	}
	out := append([]byte(nil), c.buf[:n]...)
	c.buf = c.buf[n:]
	return out
}

// Upload runs the upload handshake for name, writing data in chunks of at
// most chunk bytes, and returns the server's final "[SUCCESS]" or "[ERROR]" line.
func (c *ChatClient) Upload(name string, data []byte, chunk int) string {
	c.t.Helper()

	c.Send("/upload")
	c.Expect("[UPLOAD] Ready to receive file. Send metadata.\n")
	c.Send(fmt.Sprintf("%s|%d", name, len(data)))

	tok, _ := c.ExpectAny("READY", "[ERROR]")
	if tok == "[ERROR]" {
		return "[ERROR]" + c.Expect("\n")
	}

	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		c.SendBytes(data[off:end])
	}

	tok, _ = c.ExpectAny("[SUCCESS]", "[ERROR]")
	return tok + c.Expect("\n")
}

// RequestDownload sends the one-shot download command and returns the size
// advertised by the server, or the error reason.
func (c *ChatClient) RequestDownload(name string) (int64, string) {
	c.t.Helper()
	c.Send("/download " + name)
	return c.AwaitDownloadReply()
}

// AwaitDownloadReply reads an "OK|<size>" or "ERROR|<reason>" reply.
func (c *ChatClient) AwaitDownloadReply() (int64, string) {
	c.t.Helper()

	tok, _ := c.ExpectAny("OK|", "ERROR|")
	if tok == "ERROR|" {
		// The reason is the rest of the single reply write.
		if len(c.buf) == 0 {
			_ = c.fill(time.Now().Add(DefaultTimeout))
		}
		reason := string(c.buf)
		c.buf = nil
		return -1, reason
	}

	deadline := time.Now().Add(DefaultTimeout)
	for len(leadingDigits(c.buf)) == 0 {
		if err := c.fill(deadline); err != nil {
			require.FailNowf(c.t, "no size in download reply", "%v", err)
		}
	}
	digits := leadingDigits(c.buf)
	c.buf = c.buf[len(digits):]

	size, err := strconv.ParseInt(string(digits), 10, 64)
	require.NoError(c.t, err)
	return size, ""
}

// Download fetches name and returns its bytes. It fails the test when the
// server refuses the download.
func (c *ChatClient) Download(name string) []byte {
	c.t.Helper()

	size, reason := c.RequestDownload(name)
	require.Empty(c.t, reason, "download of %s refused", name)

	c.Send("READY")
	return c.ReadN(int(size))
}

func leadingDigits(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[:i]
}

// wsStream adapts a WebSocket client connection to Stream.
type wsStream struct {
	ws      *websocket.Conn
	pending []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.ws.Close()
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.ws.SetReadDeadline(t)
}

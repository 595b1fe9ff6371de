package server_test

import (
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sharechat/internal/testhelpers"
)

// panicConn completes the name handshake and panics on the next read.
type panicConn struct {
	net.Conn
	reads atomic.Int32
}

func (c *panicConn) Read(p []byte) (int, error) {
	if c.reads.Add(1) > 1 {
		panic("connection worker blew up")
	}
	return c.Conn.Read(p)
}

func TestWorkerPanicIsContained(t *testing.T) {
	srv := startServer(t, nil)
	ann := testhelpers.Join(t, srv.addr, "Ann")

	conn, peer := net.Pipe()
	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		buf := make([]byte, 4096)
		if _, err := peer.Read(buf); err != nil {
			return
		}
		if _, err := peer.Write([]byte("Ghost")); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, peer)
	}()

	// ServeConn runs the worker on this goroutine; the panic must not escape.
	assert.NotPanics(t, func() { srv.ServeConn(&panicConn{Conn: conn}) })
	require.NoError(t, peer.Close())
	<-peerDone

	ann.Expect("* Ghost joined the chat *\n")
	ann.Expect("* Ghost left the chat *\n")
	assert.NotContains(t, srv.Hub().Sessions().Names(), "Ghost")
	assert.True(t, srv.logged("Recovered from panic in connection worker"))

	// The server keeps accepting.
	testhelpers.Join(t, srv.addr, "Bob")
	ann.Expect("* Bob joined the chat *\n")
}

// acceptError is a transient failure such as running out of file descriptors.
type acceptError struct{}

func (acceptError) Error() string   { return "accept: too many open files" }
func (acceptError) Timeout() bool   { return false }
func (acceptError) Temporary() bool { return true }

// flakyListener fails its first Accept.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, acceptError{}
	}
	return l.Listener.Accept()
}

func TestAcceptErrorIsRetried(t *testing.T) {
	var ln *flakyListener
	srv := startServerOn(t, nil, func(inner net.Listener) net.Listener {
		ln = &flakyListener{Listener: inner}
		return ln
	})

	ann := testhelpers.Join(t, srv.addr, "Ann")
	ann.Send("/users")
	ann.Expect("[USERS] Online users:\n  1. Ann\n")

	assert.True(t, ln.failed.Load())
	waitFor(t, func() bool { return srv.logged("Accept error; retrying") })
}

// Package server implements the TCP accept loop and the lifecycle of the chat
// server: one worker goroutine per connection, graceful shutdown, and
// isolation of per-connection failures.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sharechat/internal/files"
	"github.com/Tyrowin/sharechat/internal/session"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server owns the shared registries and serves chat connections.
type Server struct {
	cfg     Config
	log     logrus.FieldLogger
	hub     *Hub
	catalog *files.Catalog
	store   *files.Store
	metrics *Metrics
	origins *originPolicy
	now     func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its workers.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces the wall clock used for chat and upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a server from cfg and prepares the storage directory.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = sanitizeConfig(cfg)

	s := &Server{
		cfg:     cfg,
		log:     logrus.StandardLogger(),
		catalog: files.NewCatalog(),
		metrics: NewMetrics(),
		now:     time.Now,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	store, err := files.NewStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.hub = NewHub(session.NewRegistry(), s.metrics, s.log)
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.log)

	return s, nil
}

// Config returns the sanitized configuration.
func (s *Server) Config() Config { return s.cfg }

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Catalog returns the shared-file catalog.
func (s *Server) Catalog() *files.Catalog { return s.catalog }

// Store returns the shared-file store.
func (s *Server) Store() *files.Store { return s.store }

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured TCP address and serves until ctx
// is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and spawns one worker per connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"storage": s.store.Dir(),
	}).Info("Chat server listening")

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.log.WithError(err).Warnf("Accept error; retrying in %v", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// ServeConn runs a worker for conn in the calling goroutine. It is used by
// transports that accept connections themselves, such as the WebSocket gateway.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	s.handleConn(conn)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConn isolates one worker: a panic is logged and only closes conn.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"remote": conn.RemoteAddr().String(),
				"panic":  r,
			}).Errorf("Recovered from panic in connection worker\n%s", debug.Stack())
			_ = conn.Close()
		}
	}()

	newClient(s, conn).run()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, closes every connection, and waits for workers to
// finish or the timeout to elapse.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("Initiating chat server shutdown...")

	s.mu.Lock()
	s.closing = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	// Registered sessions first so their close is serialized with writes,
	// then anything still in the name handshake.
	s.hub.CloseAll()
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.WithError(err).Debug("Error closing connection during shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Chat server shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		s.log.Warn("Chat server shutdown timeout reached, some workers may still be running")
		return context.DeadlineExceeded
	}
}

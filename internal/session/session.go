// Package session tracks connected chat peers. A Session wraps one connection
// owned by its worker; the Registry holds the set of sessions that completed
// the name handshake and is shared by every worker.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// MaxPending is the number of broadcast payloads queued for a held session
// before further deliveries fail.
const MaxPending = 256

var (
	// ErrClosed is returned when writing to a session that has been closed.
	ErrClosed = errors.New("session closed")
	// ErrBacklogFull is returned when a held session cannot queue more deliveries.
	ErrBacklogFull = errors.New("session delivery backlog full")
	// ErrDeliveryTimeout is returned when a delivery could not start writing
	// before the delivery timeout because another write kept the connection busy.
	ErrDeliveryTimeout = errors.New("session delivery timed out waiting for writer")
)

// Session is one connected peer's registered identity and connection handle.
//
// Two locks guard it. mu covers the hold state and is never held across I/O,
// so queueing a delivery or closing the session never waits on a slow peer.
// wsem is a one-slot write token that keeps payloads from interleaving on the
// wire; every holder writes under a deadline or is unblocked by Close.
type Session struct {
	id     uuid.UUID
	name   string
	addr   string
	conn   net.Conn
	joined time.Time

	// deliveryTimeout bounds writes issued on behalf of other workers.
	deliveryTimeout time.Duration

	wsem *semaphore.Weighted

	mu      sync.Mutex
	holding bool
	pending [][]byte
	closed  bool
}

// New creates a session for conn with the given display name. The connection
// stays owned by the caller's worker; the session only serializes writes to it.
func New(conn net.Conn, name string, deliveryTimeout time.Duration) *Session {
	addr := ""
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}
	return &Session{
		id:              uuid.New(),
		name:            name,
		addr:            addr,
		conn:            conn,
		joined:          time.Now(),
		deliveryTimeout: deliveryTimeout,
		wsem:            semaphore.NewWeighted(1),
	}
}

// ID returns the generated session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Name returns the display name chosen during the handshake.
func (s *Session) Name() string { return s.name }

// Addr returns the peer address.
func (s *Session) Addr() string { return s.addr }

// Joined returns the time the session was created.
func (s *Session) Joined() time.Time { return s.joined }

// Write sends p on the owning worker's behalf. A positive timeout sets the
// write deadline for p; zero leaves the connection without one.
func (s *Session) Write(p []byte, timeout time.Duration) error {
	if s.Closed() {
		return ErrClosed
	}

	if err := s.wsem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.wsem.Release(1)

	if s.Closed() {
		return ErrClosed
	}
	return s.writeLocked(p, timeout)
}

// Deliver sends p on behalf of another worker, typically a broadcast. While the
// session is held the payload is queued instead and written on Release. A
// delivery that cannot start writing within the delivery timeout fails with
// ErrDeliveryTimeout.
func (s *Session) Deliver(p []byte) error {
	if queued, err := s.enqueue(p); queued || err != nil {
		return err
	}

	if !s.acquire(s.deliveryTimeout) {
		return ErrDeliveryTimeout
	}
	defer s.wsem.Release(1)

	// The owner may have started a transfer while this delivery waited.
	if queued, err := s.enqueue(p); queued || err != nil {
		return err
	}
	return s.writeLocked(p, s.deliveryTimeout)
}

// enqueue queues p when the session is held. It reports whether p was queued.
func (s *Session) enqueue(p []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if !s.holding {
		return false, nil
	}
	if len(s.pending) >= MaxPending {
		return false, ErrBacklogFull
	}
	s.pending = append(s.pending, append([]byte(nil), p...))
	return true, nil
}

func (s *Session) acquire(timeout time.Duration) bool {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.wsem.Acquire(ctx, 1) == nil
}

// writeLocked writes p while the caller holds the write token.
func (s *Session) writeLocked(p []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	return writeFull(s.conn, p)
}

// Hold queues broadcast deliveries until Release so that a transfer in
// progress is never interleaved with chat traffic.
func (s *Session) Hold() {
	s.mu.Lock()
	s.holding = true
	s.mu.Unlock()
}

// Release stops queueing and writes every queued delivery in order. The write
// token is taken first so that deliveries arriving meanwhile follow the queue.
func (s *Session) Release() error {
	if err := s.wsem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.wsem.Release(1)

	s.mu.Lock()
	s.holding = false
	pending := s.pending
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	for _, p := range pending {
		if err := s.writeLocked(p, s.deliveryTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports the number of queued deliveries.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close closes the underlying connection, failing any write in progress. It
// does not wait for the write token and is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	return s.conn.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func writeFull(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

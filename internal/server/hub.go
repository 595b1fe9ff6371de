// Package server coordinates session registration, message broadcast, and
// connection cleanup for the chat system via the Hub type.
package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sharechat/internal/session"
)

// Hub fans messages out to the sessions in its registry. Broadcasts are best
// effort: a session whose delivery fails is evicted and never fails the caller.
type Hub struct {
	sessions *session.Registry
	metrics  *Metrics
	log      logrus.FieldLogger
}

// NewHub creates a Hub over the given registry.
func NewHub(sessions *session.Registry, metrics *Metrics, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		sessions: sessions,
		metrics:  metrics,
		log:      log,
	}
}

// Sessions returns the registry the hub broadcasts to.
func (h *Hub) Sessions() *session.Registry {
	return h.sessions
}

// Join registers s and announces it to every other session.
func (h *Hub) Join(s *session.Session) error {
	if err := h.sessions.Register(s); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.activeSessions.Inc()
	}
	h.log.WithFields(logrus.Fields{
		"user":    s.Name(),
		"remote":  s.Addr(),
		"session": s.ID(),
		"total":   h.sessions.Len(),
	}).Info("Session joined")

	h.Broadcast([]byte(joinNotice(s.Name())), s)
	return nil
}

// Leave deregisters s, closes it, and announces the departure. It reports
// false when s had already been removed, in which case nothing is announced.
func (h *Hub) Leave(s *session.Session) bool {
	removed := h.sessions.Unregister(s)
	if err := s.Close(); err != nil && !isExpectedCloseError(err) {
		h.log.WithError(err).WithField("user", s.Name()).Warn("Error closing session connection")
	}
	if !removed {
		return false
	}

	if h.metrics != nil {
		h.metrics.activeSessions.Dec()
	}
	h.log.WithFields(logrus.Fields{
		"user":          s.Name(),
		"session":       s.ID(),
		"total":         h.sessions.Len(),
		"connected_for": time.Since(s.Joined()).Round(time.Millisecond),
	}).Info("Session left")

	h.Broadcast([]byte(leaveNotice(s.Name())), nil)
	return true
}

// Broadcast sends payload to every registered session except exclude.
func (h *Hub) Broadcast(payload []byte, exclude *session.Session) {
	targets := h.getSessionSnapshot()

	failed := h.broadcastToSessions(targets, payload, exclude)
	h.removeFailedSessions(failed)
}

// getSessionSnapshot returns a copy so no lock is held while writing.
func (h *Hub) getSessionSnapshot() []*session.Session {
	return h.sessions.Snapshot()
}

// broadcastToSessions delivers payload and returns the sessions that failed.
func (h *Hub) broadcastToSessions(targets []*session.Session, payload []byte, exclude *session.Session) []*session.Session {
	var failed []*session.Session

	for _, s := range targets {
		if exclude != nil && s == exclude {
			continue
		}
		if err := s.Deliver(payload); err != nil {
			h.log.WithError(err).WithField("user", s.Name()).Debug("Broadcast delivery failed")
			failed = append(failed, s)
		}
	}

	return failed
}

// removeFailedSessions evicts sessions whose delivery failed and closes their
// connections. The owning workers notice on their next read.
func (h *Hub) removeFailedSessions(failed []*session.Session) {
	for _, s := range failed {
		if !h.sessions.Unregister(s) {
			continue
		}
		_ = s.Close()
		if h.metrics != nil {
			h.metrics.activeSessions.Dec()
			h.metrics.evictions.Inc()
		}
		h.log.WithFields(logrus.Fields{
			"user":   s.Name(),
			"remote": s.Addr(),
		}).Warn("Session evicted after failed broadcast delivery")
	}
}

// CloseAll closes every registered session's connection. Workers blocked on a
// read return and run their normal leave path.
func (h *Hub) CloseAll() int {
	sessions := h.getSessionSnapshot()

	for _, s := range sessions {
		if err := s.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.WithError(err).WithField("remote", s.Addr()).Warn("Error closing session connection")
		}
	}

	h.log.Infof("Closed %d session connections", len(sessions))
	return len(sessions)
}

package session

import (
	"errors"
	"sync"
)

// ErrEmptyName is returned when registering a session without a display name.
var ErrEmptyName = errors.New("session name must not be empty")

// Registry is the thread-safe set of active sessions, kept in registration order.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds s. Registering the same session twice is a no-op.
func (r *Registry) Register(s *Session) error {
	if s == nil || s.Name() == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if existing == s {
			return nil
		}
	}
	r.sessions = append(r.sessions, s)
	return nil
}

// Unregister removes s and reports whether it was present. Exactly one caller
// observes true for a given registration.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.sessions {
		if existing == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether s is registered.
func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, existing := range r.sessions {
		if existing == s {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the registered sessions safe to iterate without
// holding the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Names returns the display names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		names = append(names, s.Name())
	}
	return names
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Package registry implements the mark -> Session map owned by the relay
// for its lifetime. All mutation happens under a single exclusive lock
// covering the whole map; the lock is never held across a network
// operation or a Session method call.
package registry

import (
	"sync"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/session"
)

// Registry maps client-chosen mark strings to live Sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Insert unconditionally associates mark with sess, returning any
// previously resident Session under that mark without closing it — the
// caller decides whether the displaced session is worth tearing down.
func (r *Registry) Insert(mark string, sess *session.Session) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[mark]
	r.sessions[mark] = sess
	return prev
}

// Get returns the Session for mark, or nil if absent.
func (r *Registry) Get(mark string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[mark]
}

// Contains reports whether mark is present.
func (r *Registry) Contains(mark string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[mark]
	return ok
}

// Remove deletes mark from the registry and returns the Session that was
// there, or nil if it was already absent.
func (r *Registry) Remove(mark string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[mark]
	delete(r.sessions, mark)
	return prev
}

// Len reports the number of live sessions, for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

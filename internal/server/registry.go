// Package server tracks currently connected, authenticated clients by name
// via the ConnectionRegistry type.
package server

import (
	"sort"
	"sync"
)

// ConnectionRegistry maps client names to their single live session. At any
// instant at most one session is registered per name; a second successful
// handshake for an already-connected name atomically replaces the prior
// session, which is returned to the caller for closing.
//
// The registry holds a non-owning reference: the session supervisor owns the
// session and its connection. All operations serialize on one mutex, and no
// I/O ever happens under it.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewConnectionRegistry creates an empty registry. Registries are constructed
// per hub and injected, never shared through package state, so tests can run
// independent instances side by side.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{sessions: make(map[string]*Session)}
}

// Register installs session under name and returns the session it displaced,
// or nil if the name was free. Replacement is atomic with respect to
// concurrent Register/Unregister/Lookup calls for the same name.
func (r *ConnectionRegistry) Register(name string, session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.sessions[name]
	if evicted == session {
		evicted = nil
	}
	r.sessions[name] = session
	return evicted
}

// Unregister removes the mapping for name only if the registered session is
// exactly session. This compare-and-remove keeps a stale session that lost a
// reconnect race from evicting its newer replacement during cleanup.
func (r *ConnectionRegistry) Unregister(name string, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[name]
	if !ok || current != session {
		return false
	}
	delete(r.sessions, name)
	return true
}

// Lookup resolves a destination name to its live session, or nil if no client
// of that name is currently connected.
func (r *ConnectionRegistry) Lookup(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

// Names returns the sorted names of all currently connected clients. For
// diagnostics and logging only.
func (r *ConnectionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of connected clients.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

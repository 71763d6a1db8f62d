package session

import (
	"encoding/hex"
	"sync"
)

// Registry enforces the one-session-per-peer rule. Sessions are keyed by
// the peer's static key fingerprint.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. A prior session for the same peer is closed and
// replaced: a fresh handshake always supersedes the old key material.
func (r *Registry) Add(s *Session) {
	key := hex.EncodeToString(s.PeerFingerprint())

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.sessions[key]; exists && prev != s {
		prev.Close()
	}
	r.sessions[key] = s
}

// Get returns the session for a peer fingerprint, or nil.
func (r *Registry) Get(fingerprint []byte) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[hex.EncodeToString(fingerprint)]
}

// Remove unregisters a session. Safe to call for a session never added.
func (r *Registry) Remove(s *Session) {
	key := hex.EncodeToString(s.PeerFingerprint())

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.sessions {
		s.Close()
		delete(r.sessions, key)
	}
}

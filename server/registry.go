package server

import "sync"

// Registry is the single source of truth for who is online. All mutations
// go through one mutex so registration and lookup are never observed in a
// torn state. Callers route messages by enqueueing on the returned session's
// outbound queue; nothing outside a session's own write loop touches its
// socket.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds username to s and returns any session it displaced. The
// caller is responsible for closing the displaced session outside the
// registry lock.
func (r *Registry) Register(username string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[username]
	r.sessions[username] = s
	if old == s {
		return nil
	}
	return old
}

// Unregister removes username only while it still maps to s, so a session
// torn down after being displaced cannot evict its replacement. Reports
// whether an entry was removed.
func (r *Registry) Unregister(username string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[username]; ok && current == s {
		delete(r.sessions, username)
		return true
	}
	return false
}

func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	return s, ok
}

// Snapshot returns the set of usernames with a live session.
func (r *Registry) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	online := make(map[string]bool, len(r.sessions))
	for username := range r.sessions {
		online[username] = true
	}
	return online
}

func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

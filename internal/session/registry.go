package session

import (
	"sync"

	"github.com/jobi/chat-service/internal/metrics"
)

// Registry tracks the active session per connection. A connection holds at
// most one open conversation; joining a second conversation closes the
// first.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session // connection id -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers the session for a connection, closing any session the
// connection previously held.
func (r *Registry) Put(connID string, s *Session) {
	r.mu.Lock()
	prev := r.sessions[connID]
	r.sessions[connID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	} else {
		metrics.ActiveSessions.Inc()
	}
}

// Get returns the connection's active session, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connID]
}

// Remove closes and drops the connection's session, if any.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()

	if ok {
		s.Close()
		metrics.ActiveSessions.Dec()
	}
}

// Find returns the session a user holds on a conversation, or nil. Used by
// the dispatcher to clear the sender's typing flag on a successful send.
func (r *Registry) Find(conversationID, userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ConversationID == conversationID && s.UserID == userID {
			return s
		}
	}
	return nil
}

// BroadcastConnectionState pushes a broker link transition to every active
// session.
func (r *Registry) BroadcastConnectionState(connected bool) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.SetConnectionState(connected)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

package server

import (
	"math/rand"
	"sync"
)

// Session id bounds: every id has exactly 11 digits.
const (
	SessionIDMin int64 = 10_000_000_000
	SessionIDMax int64 = 99_999_999_999
)

// Registry maintains the bijection between websocket connection ids
// and the 11-digit session ids handed to clients. Lookups are
// lock-free; id generation is serialized so two connects can never
// race into the same session id.
type Registry struct {
	mu sync.Mutex

	byConnection sync.Map // string -> int64
	bySession    sync.Map // int64 -> string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add assigns a fresh unique session id to connectionID and returns it.
func (r *Registry) Add(connectionID string) int64 {
	r.mu.Lock()
	var sessionID int64
	for {
		sessionID = SessionIDMin + rand.Int63n(SessionIDMax-SessionIDMin)
		if _, taken := r.bySession.Load(sessionID); !taken {
			break
		}
	}
	r.bySession.Store(sessionID, connectionID)
	r.mu.Unlock()

	r.byConnection.Store(connectionID, sessionID)
	return sessionID
}

// SessionID returns the session id assigned to a connection.
func (r *Registry) SessionID(connectionID string) (int64, bool) {
	value, ok := r.byConnection.Load(connectionID)
	if !ok {
		return 0, false
	}
	return value.(int64), true
}

// ConnectionID returns the connection holding a session id.
func (r *Registry) ConnectionID(sessionID int64) (string, bool) {
	value, ok := r.bySession.Load(sessionID)
	if !ok {
		return "", false
	}
	return value.(string), true
}

// RemoveByConnectionID drops both directions of the mapping.
func (r *Registry) RemoveByConnectionID(connectionID string) {
	if value, ok := r.byConnection.LoadAndDelete(connectionID); ok {
		r.bySession.Delete(value.(int64))
	}
}

// RemoveBySessionID drops both directions of the mapping.
func (r *Registry) RemoveBySessionID(sessionID int64) {
	if value, ok := r.bySession.LoadAndDelete(sessionID); ok {
		r.byConnection.Delete(value.(string))
	}
}

package server

import (
	"sync"

	"github.com/google/uuid"
)

// Session pairs a sender connection with a receiver connection and
// holds the per-file chunk channels flowing between them.
type Session struct {
	SenderConnectionID   string
	ReceiverConnectionID string

	mu        sync.Mutex
	channels  map[uuid.UUID]*FileChannel
	drains    map[uuid.UUID]chan struct{}
	lastDrain chan struct{}
}

func newSession(senderID, receiverID string) *Session {
	return &Session{
		SenderConnectionID:   senderID,
		ReceiverConnectionID: receiverID,
		channels:             make(map[uuid.UUID]*FileChannel),
		drains:               make(map[uuid.UUID]chan struct{}),
	}
}

// CreateChannel registers a chunk channel for one file transfer id.
func (s *Session) CreateChannel(fileID uuid.UUID, capacity int, last bool) *FileChannel {
	channel := NewFileChannel(capacity, last)
	s.mu.Lock()
	s.channels[fileID] = channel
	s.mu.Unlock()
	return channel
}

// Channel looks up the chunk channel for a file transfer id.
func (s *Session) Channel(fileID uuid.UUID) (*FileChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[fileID]
	return channel, ok
}

// BeginFile registers a drain marker for fileID and returns the marker
// of the previously announced file, nil for the first of a batch. The
// caller waits on it so a new announcement never overtakes chunks of
// the file still being pumped to the receiver.
func (s *Session) BeginFile(fileID uuid.UUID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.lastDrain
	marker := make(chan struct{})
	s.drains[fileID] = marker
	s.lastDrain = marker
	return previous
}

// FinishFile releases the drain marker once the file's stream has been
// fully delivered (or abandoned).
func (s *Session) FinishFile(fileID uuid.UUID) {
	s.mu.Lock()
	marker, ok := s.drains[fileID]
	delete(s.drains, fileID)
	s.mu.Unlock()
	if ok {
		close(marker)
	}
}

// RemoveChannel forgets a finished channel.
func (s *Session) RemoveChannel(fileID uuid.UUID) {
	s.mu.Lock()
	delete(s.channels, fileID)
	s.mu.Unlock()
}

// CloseChannels closes every channel with the given fault, unblocking
// any producer or consumer parked on them. Pending drain markers are
// released too so nothing stays waiting on a torn-down session.
func (s *Session) CloseChannels(err error) {
	s.mu.Lock()
	channels := make([]*FileChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	s.channels = make(map[uuid.UUID]*FileChannel)
	markers := make([]chan struct{}, 0, len(s.drains))
	for _, marker := range s.drains {
		markers = append(markers, marker)
	}
	s.drains = make(map[uuid.UUID]chan struct{})
	s.mu.Unlock()

	for _, channel := range channels {
		channel.Close(err)
	}
	for _, marker := range markers {
		close(marker)
	}
}

// SessionManager tracks live sender/receiver pairs. All list
// operations run under one mutex; the lock is never held across I/O.
type SessionManager struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// TryAdd registers a sender/receiver pair unless that exact ordered
// pair already exists.
func (m *SessionManager) TryAdd(senderID, receiverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.SenderConnectionID == senderID && session.ReceiverConnectionID == receiverID {
			return false
		}
	}
	m.sessions = append(m.sessions, newSession(senderID, receiverID))
	return true
}

// GetBySender returns the session where the connection acts as sender.
func (m *SessionManager) GetBySender(senderID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.SenderConnectionID == senderID {
			return session
		}
	}
	return nil
}

// GetByReceiver returns the session where the connection acts as
// receiver.
func (m *SessionManager) GetByReceiver(receiverID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.ReceiverConnectionID == receiverID {
			return session
		}
	}
	return nil
}

// GetBySenderAndReceiver returns the session for an exact ordered pair.
func (m *SessionManager) GetBySenderAndReceiver(senderID, receiverID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.SenderConnectionID == senderID && session.ReceiverConnectionID == receiverID {
			return session
		}
	}
	return nil
}

// FindBySenderAndFile returns the sender's session holding the given
// file id. A connection may act as sender in several sessions at once,
// so chunk routing has to match on the file id, not just the role.
func (m *SessionManager) FindBySenderAndFile(senderID string, fileID uuid.UUID) (*Session, *FileChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.SenderConnectionID != senderID {
			continue
		}
		if channel, ok := session.Channel(fileID); ok {
			return session, channel
		}
	}
	return nil, nil
}

// FindByReceiverAndFile returns the receiver's session holding the
// given file id.
func (m *SessionManager) FindByReceiverAndFile(receiverID string, fileID uuid.UUID) (*Session, *FileChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.ReceiverConnectionID != receiverID {
			continue
		}
		if channel, ok := session.Channel(fileID); ok {
			return session, channel
		}
	}
	return nil, nil
}

// Remove drops one specific session.
func (m *SessionManager) Remove(target *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, session := range m.sessions {
		if session == target {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return
		}
	}
}

// RemoveBySender drops every session where the connection is sender
// and returns the removed sessions.
func (m *SessionManager) RemoveBySender(senderID string) []*Session {
	return m.removeMatching(func(s *Session) bool {
		return s.SenderConnectionID == senderID
	})
}

// RemoveByReceiver drops every session where the connection is
// receiver and returns the removed sessions.
func (m *SessionManager) RemoveByReceiver(receiverID string) []*Session {
	return m.removeMatching(func(s *Session) bool {
		return s.ReceiverConnectionID == receiverID
	})
}

// RemoveByConnectionID drops every session involving the connection in
// either role and returns the removed sessions.
func (m *SessionManager) RemoveByConnectionID(connectionID string) []*Session {
	return m.removeMatching(func(s *Session) bool {
		return s.SenderConnectionID == connectionID || s.ReceiverConnectionID == connectionID
	})
}

func (m *SessionManager) removeMatching(match func(*Session) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*Session
	kept := m.sessions[:0]
	for _, session := range m.sessions {
		if match(session) {
			removed = append(removed, session)
		} else {
			kept = append(kept, session)
		}
	}
	m.sessions = kept
	return removed
}

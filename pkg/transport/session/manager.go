package session

import (
	"sync"

	"github.com/google/uuid"
)

// Manager is the process-wide session registry. A session id is present
// iff its connection is currently open, and an id is never reused after
// removal (ids are random UUIDs, and Register refuses the astronomically
// unlikely collision).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*StreamSession
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*StreamSession),
	}
}

// Register admits a new streaming connection and returns its session.
// Safe under concurrent registration from simultaneous accepts.
func (m *Manager) Register() *StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		id := uuid.New().String()
		if _, exists := m.sessions[id]; exists {
			continue
		}
		s := newStreamSession(id)
		m.sessions[id] = s
		return s
	}
}

// Lookup returns the session for id, or ErrSessionNotFound when the id
// is unknown or has been removed. Presence here is treated as proof of
// prior authentication, so a removed id must never resolve.
func (m *Manager) Lookup(id string) (*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Has reports whether a session is currently open. Implements the auth
// gate's session check.
func (m *Manager) Has(id string) bool {
	_, err := m.Lookup(id)
	return err == nil
}

// Remove drops a session and disconnects its channel. Idempotent;
// invoked when the underlying connection closes.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Disconnect()
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll disconnects and removes every session; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*StreamSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}

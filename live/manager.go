package live

import (
	"context"
	"sync"
)

// Manager tracks at most one live session per user.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[int64]*Session)}
}

// Open dials a fresh session for the user, replacing and closing any
// existing one.
func (m *Manager) Open(ctx context.Context, userID int64, cfg Config) (*Session, error) {
	m.mu.Lock()
	prev := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) Get(userID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Close ends the user's session if one exists.
func (m *Manager) Close(userID int64) {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// CloseAll ends every session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Package session tracks each user's interaction mode and the legal
// transitions between modes. The policy here is explicit-cancel: a user
// enters a working mode only from idle and must exit (Cancel) before
// switching. Entering a mode clears the user's conversation history;
// leaving live also terminates the user's realtime session.
package session

import (
	"errors"
	"fmt"
	"sync"
)

type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeChat   Mode = "chat"
	ModeSearch Mode = "search"
	ModeImage  Mode = "image"
	ModeTTS    Mode = "tts"
	ModeAudio  Mode = "audio"
	ModeLive   Mode = "live"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeIdle, ModeChat, ModeSearch, ModeImage, ModeTTS, ModeAudio, ModeLive:
		return true
	}
	return false
}

// ErrBusy means the user is already in a working mode and must cancel
// before entering another one.
var ErrBusy = errors.New("session: busy in another mode")

type UserSession struct {
	UserID   int64
	Mode     Mode
	Collapse bool
}

// Hooks are the side effects a transition triggers. Both are optional.
type Hooks struct {
	// ClearHistory wipes the user's conversation context.
	ClearHistory func(userID int64)
	// CloseLive terminates the user's realtime session, if any.
	CloseLive func(userID int64)
	// OnChange is fired after any session mutation (persistence).
	OnChange func()
}

type Manager struct {
	mu    sync.Mutex
	users map[int64]*UserSession
	hooks Hooks
}

func NewManager(hooks Hooks) *Manager {
	return &Manager{users: make(map[int64]*UserSession), hooks: hooks}
}

// get creates the session lazily on first contact. Sessions persist for
// the bot lifetime; they are never destroyed.
func (m *Manager) get(userID int64) *UserSession {
	u := m.users[userID]
	if u == nil {
		u = &UserSession{UserID: userID, Mode: ModeIdle}
		m.users[userID] = u
	}
	return u
}

// Get returns a copy of the user's session state.
func (m *Manager) Get(userID int64) UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.get(userID)
}

// Enter moves the user from idle into a working mode, clearing the
// user's history. Entering while already in a different working mode
// fails with ErrBusy; re-entering the current mode is a no-op.
func (m *Manager) Enter(userID int64, mode Mode) error {
	if !mode.Valid() || mode == ModeIdle {
		return fmt.Errorf("session: cannot enter mode %q", mode)
	}
	m.mu.Lock()
	u := m.get(userID)
	if u.Mode == mode {
		m.mu.Unlock()
		return nil
	}
	if u.Mode != ModeIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, u.Mode)
	}
	u.Mode = mode
	m.mu.Unlock()

	if m.hooks.ClearHistory != nil {
		m.hooks.ClearHistory(userID)
	}
	if m.hooks.OnChange != nil {
		m.hooks.OnChange()
	}
	return nil
}

// Cancel returns the user to idle and reports the mode that was left.
// Leaving live closes the realtime session; leaving any working mode
// clears the history for that conversation.
func (m *Manager) Cancel(userID int64) Mode {
	m.mu.Lock()
	u := m.get(userID)
	left := u.Mode
	u.Mode = ModeIdle
	m.mu.Unlock()

	if left == ModeIdle {
		return left
	}
	if left == ModeLive && m.hooks.CloseLive != nil {
		m.hooks.CloseLive(userID)
	}
	if m.hooks.ClearHistory != nil {
		m.hooks.ClearHistory(userID)
	}
	if m.hooks.OnChange != nil {
		m.hooks.OnChange()
	}
	return left
}

// SetCollapse toggles the collapsed-display preference.
func (m *Manager) SetCollapse(userID int64, collapse bool) {
	m.mu.Lock()
	m.get(userID).Collapse = collapse
	m.mu.Unlock()
	if m.hooks.OnChange != nil {
		m.hooks.OnChange()
	}
}

// Snapshot exports all sessions for persistence.
func (m *Manager) Snapshot() map[int64]UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]UserSession, len(m.users))
	for id, u := range m.users {
		out[id] = *u
	}
	return out
}

// Restore loads persisted sessions. Users stuck in a working mode at
// shutdown come back in it; live mode is not resumable and resets to
// idle.
func (m *Manager) Restore(snap map[int64]UserSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range snap {
		cp := u
		cp.UserID = id
		if !cp.Mode.Valid() || cp.Mode == ModeLive {
			cp.Mode = ModeIdle
		}
		m.users[id] = &cp
	}
}

package session

import (
	"sync"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

// Manager is the session registry keyed by chat id. Sessions are
// created lazily and live until explicitly reset.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	allowed []publish.Platform
	remove  func(paths ...string)
	log     logx.Logger
}

// NewManager builds a registry. allowed lists the platforms that have
// credentials configured; remove deletes media files on cancel.
func NewManager(allowed []publish.Platform, remove func(paths ...string), log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		sessions: make(map[int64]*Session),
		allowed:  allowed,
		remove:   remove,
		log:      log.With(logx.String("comp", "session")),
	}
}

// Get returns the session for a chat, creating it on first use.
func (m *Manager) Get(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{
			chatID:  chatID,
			allowed: m.allowed,
			remove:  m.remove,
			step:    StepIdle,
		}
		m.sessions[chatID] = s
	}
	return s
}

// Reset drops a chat's session entirely, releasing its files.
func (m *Manager) Reset(chatID int64) {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if ok {
		delete(m.sessions, chatID)
	}
	m.mu.Unlock()
	if ok {
		// ignore the "nothing to cancel" case
		_ = s.Cancel()
	}
}

// Platforms lists the selectable platforms.
func (m *Manager) Platforms() []publish.Platform {
	return append([]publish.Platform(nil), m.allowed...)
}

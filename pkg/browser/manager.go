package browser

import (
	"context"
	"fmt"
	"sync"
)

// Manager tracks active browser sessions for a runtime and creates them
// lazily on first use.
type Manager struct {
	runtime  Runtime
	sessions map[string]BrowserSession
	mu       sync.Mutex
}

// NewManager creates a Manager backed by the provided runtime. A nil runtime
// yields a manager that reports itself unavailable.
func NewManager(runtime Runtime) *Manager {
	return &Manager{
		runtime:  runtime,
		sessions: make(map[string]BrowserSession),
	}
}

// Available reports whether a runtime is configured.
func (m *Manager) Available() bool {
	return m != nil && m.runtime != nil
}

// EnsureSession returns the browser session for sessionID, creating it on
// first use. Creation happens at most once per session id.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string) (BrowserSession, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	cfg := DefaultSessionConfig()
	cfg.SessionID = sessionID
	sess, err := m.runtime.NewSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		// Lost the creation race; keep the first instance.
		m.mu.Unlock()
		_ = sess.Close()
		return existing, nil
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

// GetSession returns an already-created session by id.
func (m *Manager) GetSession(sessionID string) (BrowserSession, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// CloseSession closes and removes a session. No-op when the session was
// never created.
func (m *Manager) CloseSession(sessionID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return nil
	}
	return sess.Close()
}

// Close closes all sessions and releases the runtime.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]BrowserSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]BrowserSession)
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			lastErr = err
		}
	}
	if m.runtime != nil {
		if err := m.runtime.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

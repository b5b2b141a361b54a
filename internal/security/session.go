package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Session errors. Expired and unknown tokens are distinguishable so the
// dispatcher can tell a controller to re-authenticate versus reject outright.
var (
	ErrSessionExpired = errors.New("session expired")
	ErrSessionUnknown = errors.New("session unknown")
)

// Session is one issued session token binding.
type Session struct {
	Token        string
	ClientID     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// SessionManager issues and validates opaque session tokens. The table is
// shared across all connection handlers and guarded by a mutex; every
// method is safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionManager creates a manager issuing tokens valid for ttl.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue generates a cryptographically random token for clientID.
func (m *SessionManager) Issue(clientID string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		Token:        hex.EncodeToString(raw),
		ClientID:     clientID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	return s, nil
}

// Validate checks a token and returns the bound client ID. Expired tokens
// are removed on sight; a token that was never issued, or was already
// invalidated, fails with ErrSessionUnknown.
func (m *SessionManager) Validate(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return "", ErrSessionUnknown
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, token)
		return "", ErrSessionExpired
	}
	s.LastActivity = m.now()
	return s.ClientID, nil
}

// Invalidate removes a token. Idempotent: invalidating an unknown or
// already-removed token is a no-op.
func (m *SessionManager) Invalidate(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// SweepExpired removes every expired session and returns how many were
// dropped. Runs on a periodic timer independent of request traffic.
func (m *SessionManager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

// Active returns the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssueAndValidate(t *testing.T) {
	m := NewSessionManager(30 * time.Minute)

	s, err := m.Issue("ctrl-1")
	require.NoError(t, err)
	require.Len(t, s.Token, 64) // 32 random bytes, hex

	clientID, err := m.Validate(s.Token)
	require.NoError(t, err)
	assert.Equal(t, "ctrl-1", clientID)
}

func TestSessionTokensAreUnique(t *testing.T) {
	m := NewSessionManager(time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := m.Issue("ctrl-1")
		require.NoError(t, err)
		require.False(t, seen[s.Token], "duplicate token issued")
		seen[s.Token] = true
	}
}

func TestSessionExpiry(t *testing.T) {
	m := NewSessionManager(10 * time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	s, err := m.Issue("ctrl-1")
	require.NoError(t, err)

	// Just before expiry: valid.
	now = s.ExpiresAt.Add(-time.Second)
	_, err = m.Validate(s.Token)
	require.NoError(t, err)

	// At expiry: invalid, and distinguishable from unknown.
	now = s.ExpiresAt
	_, err = m.Validate(s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Once expired, the token never validates again, even if the clock
	// were to move backwards.
	now = s.ExpiresAt.Add(-time.Minute)
	_, err = m.Validate(s.Token)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionInvalidate(t *testing.T) {
	m := NewSessionManager(time.Hour)

	s, err := m.Issue("ctrl-1")
	require.NoError(t, err)

	m.Invalidate(s.Token)
	_, err = m.Validate(s.Token)
	assert.ErrorIs(t, err, ErrSessionUnknown)

	// Idempotent.
	m.Invalidate(s.Token)
	_, err = m.Validate(s.Token)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionValidateUnknown(t *testing.T) {
	m := NewSessionManager(time.Hour)
	_, err := m.Validate("never-issued")
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionSweepExpired(t *testing.T) {
	m := NewSessionManager(10 * time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	live, err := m.Issue("ctrl-live")
	require.NoError(t, err)

	now = now.Add(-20 * time.Minute)
	expired, err := m.Issue("ctrl-old")
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)

	removed := m.SweepExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Active())

	_, err = m.Validate(live.Token)
	assert.NoError(t, err)
	_, err = m.Validate(expired.Token)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionConcurrentAccess(t *testing.T) {
	m := NewSessionManager(time.Minute)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				s, err := m.Issue("ctrl-1")
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := m.Validate(s.Token); err != nil {
					t.Error(err)
					return
				}
				m.Invalidate(s.Token)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 0, m.Active())
}

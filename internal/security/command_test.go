package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

func testAuthenticator(t *testing.T, window time.Duration) *CommandAuthenticator {
	t.Helper()
	platform, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)
	return NewCommandAuthenticator(platform, window)
}

func testCommand(id string) *protocol.Command {
	return &protocol.Command{
		ID:        id,
		Type:      protocol.CmdMove,
		Data:      json.RawMessage(`{"speed":1.5,"direction":90}`),
		Timestamp: time.Now().UnixMilli(),
		ClientID:  "ctrl-1",
	}
}

func TestCommandSignAndVerify(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sc := SignCommand(priv, testCommand("cmd-1"))
	require.NoError(t, a.Verify(sc, pub))
}

func TestCommandVerifyRejectsMutation(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*protocol.SignedCommand)
	}{
		{"id", func(sc *protocol.SignedCommand) { sc.ID = "cmd-other" }},
		{"type", func(sc *protocol.SignedCommand) { sc.Type = protocol.CmdStop }},
		{"data", func(sc *protocol.SignedCommand) { sc.Data = json.RawMessage(`{"speed":9.9,"direction":90}`) }},
		{"timestamp", func(sc *protocol.SignedCommand) { sc.Timestamp++ }},
		{"signature", func(sc *protocol.SignedCommand) { sc.Signature = "bm90IGEgc2lnbmF0dXJl" }},
		{"signature encoding", func(sc *protocol.SignedCommand) { sc.Signature = "%%%not-base64%%%" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc := SignCommand(priv, testCommand("cmd-1"))
			tc.mutate(sc)
			assert.False(t, a.VerifySignature(sc, pub))
		})
	}
}

func TestCommandVerifyRejectsWrongKey(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sc := SignCommand(priv, testCommand("cmd-1"))
	assert.ErrorIs(t, a.Verify(sc, otherPub), ErrBadSignature)
}

func TestCommandStaleness(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	a.now = func() time.Time { return now }

	// Too old.
	cmd := testCommand("cmd-old")
	cmd.Timestamp = now.Add(-31 * time.Second).UnixMilli()
	assert.ErrorIs(t, a.Verify(SignCommand(priv, cmd), pub), ErrStaleCommand)

	// Too far in the future counts as stale too; drift is symmetric.
	cmd = testCommand("cmd-future")
	cmd.Timestamp = now.Add(31 * time.Second).UnixMilli()
	assert.ErrorIs(t, a.Verify(SignCommand(priv, cmd), pub), ErrStaleCommand)

	// Inside the window on both sides.
	cmd = testCommand("cmd-near-past")
	cmd.Timestamp = now.Add(-29 * time.Second).UnixMilli()
	assert.NoError(t, a.Verify(SignCommand(priv, cmd), pub))

	cmd = testCommand("cmd-near-future")
	cmd.Timestamp = now.Add(29 * time.Second).UnixMilli()
	assert.NoError(t, a.Verify(SignCommand(priv, cmd), pub))
}

func TestCommandReplayDetection(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sc := SignCommand(priv, testCommand("cmd-1"))
	require.NoError(t, a.Verify(sc, pub))

	// Byte-identical resubmission is rejected even though the signature
	// still checks out.
	assert.ErrorIs(t, a.Verify(sc, pub), ErrReplayDetected)

	// A fresh ID from the same client is fine.
	sc2 := SignCommand(priv, testCommand("cmd-2"))
	assert.NoError(t, a.Verify(sc2, pub))
}

func TestCommandReplayScopedPerClient(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cmd := testCommand("cmd-shared")
	require.NoError(t, a.Verify(SignCommand(priv, cmd), pub))

	other := testCommand("cmd-shared")
	other.ClientID = "ctrl-2"
	assert.NoError(t, a.Verify(SignCommand(priv, other), pub))
}

func TestCommandReplayWindowExpiry(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	a.now = func() time.Time { return now }

	cmd := testCommand("cmd-1")
	cmd.Timestamp = now.UnixMilli()
	require.NoError(t, a.Verify(SignCommand(priv, cmd), pub))

	// After the window has passed the ID may be reused, provided the new
	// command itself carries a fresh timestamp.
	now = now.Add(31 * time.Second)
	cmd.Timestamp = now.UnixMilli()
	assert.NoError(t, a.Verify(SignCommand(priv, cmd), pub))
}

func TestSweepReplayWindow(t *testing.T) {
	a := testAuthenticator(t, 30*time.Second)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	a.now = func() time.Time { return now }

	for _, id := range []string{"cmd-1", "cmd-2", "cmd-3"} {
		cmd := testCommand(id)
		cmd.Timestamp = now.UnixMilli()
		require.NoError(t, a.Verify(SignCommand(priv, cmd), pub))
	}

	assert.Equal(t, 0, a.SweepReplayWindow())

	now = now.Add(31 * time.Second)
	assert.Equal(t, 3, a.SweepReplayWindow())
	assert.Equal(t, 0, a.SweepReplayWindow())
}

func TestResponseSigning(t *testing.T) {
	platform, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)
	a := NewCommandAuthenticator(platform, 30*time.Second)

	resp := &protocol.Response{
		Type:      protocol.MsgAck,
		Data:      json.RawMessage(`{"ok":true}`),
		ID:        "cmd-1",
		Timestamp: time.Now().UnixMilli(),
	}
	a.Sign(resp)
	require.NotEmpty(t, resp.Signature)

	sig := resp.Signature
	resp.Signature = ""
	assert.True(t, VerifyPlatform(platform.PublicKey, resp.Canonical(), sig))
}

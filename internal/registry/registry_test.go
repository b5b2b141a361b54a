package registry

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/security"
)

func testKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := New()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := r.Add(server, "10.0.0.5:43210")
	require.NotEmpty(t, c.ID)
	assert.Equal(t, "10.0.0.5:43210", c.RemoteAddr)
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	removed := r.Remove(c.ID)
	assert.Same(t, c, removed)
	assert.Equal(t, 0, r.Count())

	_, ok = r.Get(c.ID)
	assert.False(t, ok)
	assert.Nil(t, r.Remove(c.ID))
}

func TestConnectionIDsUnique(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		c := r.Add(nil, "addr")
		require.False(t, seen[c.ID])
		seen[c.ID] = true
	}
}

func TestConnectionStateMachine(t *testing.T) {
	r := New()
	c := r.Add(nil, "addr")
	pub := testKey(t)

	c.Authenticate("ctrl-1", "tok-1", pub, true)
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "ctrl-1", c.ClientID())
	assert.Equal(t, "tok-1", c.SessionToken())
	assert.Equal(t, pub, c.PublicKey())
	assert.True(t, c.SupportsCompression())

	// Logout keeps the connection open but drops all bindings.
	tok := c.Logout()
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Empty(t, c.ClientID())
	assert.Empty(t, c.SessionToken())
	assert.Nil(t, c.PublicKey())

	// Re-authentication after logout is allowed.
	c.Authenticate("ctrl-1", "tok-2", pub, false)
	assert.Equal(t, StateAuthenticated, c.State())
	assert.False(t, c.SupportsCompression())

	tok = c.MarkClosed()
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, c.SessionToken())
}

func TestConnectionIdentity(t *testing.T) {
	r := New()
	c := r.Add(nil, "addr")
	assert.Nil(t, c.Identity())

	id := &security.ClientIdentity{ClientID: "ctrl-1", PublicKey: testKey(t)}
	c.SetIdentity(id)
	assert.Same(t, id, c.Identity())
}

func TestConnectionAuthFailureCounter(t *testing.T) {
	r := New()
	c := r.Add(nil, "addr")

	assert.Equal(t, 1, c.RecordAuthFailure())
	assert.Equal(t, 2, c.RecordAuthFailure())
	c.ResetAuthFailures()
	assert.Equal(t, 1, c.RecordAuthFailure())

	// A successful authentication clears the counter too.
	c.Authenticate("ctrl-1", "tok", testKey(t), false)
	assert.Equal(t, 1, c.RecordAuthFailure())
}

func TestConnectionTouch(t *testing.T) {
	r := New()
	c := r.Add(nil, "addr")

	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	assert.True(t, c.LastActivity().After(before))
}

func TestConnectionSendWritesFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := New()
	c := r.Add(server, "addr")

	errc := make(chan error, 1)
	go func() {
		errc <- c.Send(protocol.OpText, []byte(`{"type":"WELCOME"}`))
	}()

	op, payload, err := protocol.ReadFrame(bufio.NewReader(client))
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, byte(protocol.OpText), op)
	assert.JSONEq(t, `{"type":"WELCOME"}`, string(payload))
}

func TestAuthenticatedSnapshot(t *testing.T) {
	r := New()

	a := r.Add(nil, "a")
	b := r.Add(nil, "b")
	c := r.Add(nil, "c")

	a.Authenticate("ctrl-a", "tok-a", testKey(t), false)
	c.Authenticate("ctrl-c", "tok-c", testKey(t), false)
	c.MarkClosed()

	authed := r.Authenticated()
	require.Len(t, authed, 1)
	assert.Same(t, a, authed[0])
	_ = b
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}

// Package registry tracks every live controller connection: identity,
// authentication state, negotiated capabilities and activity timestamps.
package registry

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/security"
)

// State is the per-connection authentication state machine:
// Unauthenticated → Authenticated → Closed, with Authenticated →
// Unauthenticated on logout.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live controller connection. All mutable fields are
// guarded by the connection's own mutex; frame writes are serialized
// through the same lock so concurrent broadcasts never interleave frames.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mu           sync.Mutex
	conn         net.Conn
	state        State
	identity     *security.ClientIdentity
	clientID     string
	sessionToken string
	publicKey    ed25519.PublicKey
	compression  bool
	lastActivity time.Time
	authFailures int
}

// Send writes a single frame to the connection.
func (c *Connection) Send(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteServerFrame(c.conn, opcode, payload)
}

// SetIdentity records the certificate identity presented and verified
// during the TLS handshake, before the explicit AUTH step.
func (c *Connection) SetIdentity(id *security.ClientIdentity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Identity returns the verified certificate identity, or nil when the
// transport performed no certificate handshake.
func (c *Connection) Identity() *security.ClientIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Authenticate transitions the connection to Authenticated, binding the
// client identity, session token, signing key and negotiated capabilities.
func (c *Connection) Authenticate(clientID, sessionToken string, pub ed25519.PublicKey, compression bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAuthenticated
	c.clientID = clientID
	c.sessionToken = sessionToken
	c.publicKey = pub
	c.compression = compression
	c.authFailures = 0
}

// Logout returns the connection to Unauthenticated and hands back the
// session token that must be invalidated. The connection stays open.
func (c *Connection) Logout() (sessionToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionToken = c.sessionToken
	c.state = StateUnauthenticated
	c.clientID = ""
	c.sessionToken = ""
	c.publicKey = nil
	return sessionToken
}

// MarkClosed transitions to Closed and returns the bound session token.
func (c *Connection) MarkClosed() (sessionToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionToken = c.sessionToken
	c.state = StateClosed
	c.sessionToken = ""
	return sessionToken
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// State returns the current authentication state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the authenticated client identity, empty when
// unauthenticated.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SessionToken returns the bound session token, empty when unauthenticated.
func (c *Connection) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// PublicKey returns the controller's command-signing key.
func (c *Connection) PublicKey() ed25519.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicKey
}

// SupportsCompression reports whether the controller negotiated
// compressed frames during AUTH.
func (c *Connection) SupportsCompression() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compression
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RecordAuthFailure increments the consecutive verification-failure
// counter and reports the new total. Reset by a successful verification.
func (c *Connection) RecordAuthFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	return c.authFailures
}

// ResetAuthFailures clears the consecutive-failure counter.
func (c *Connection) ResetAuthFailures() {
	c.mu.Lock()
	c.authFailures = 0
	c.mu.Unlock()
}

// Registry is the shared table of live connections, guarded by a RWMutex
// and safe for concurrent use from every connection handler.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers a new connection and returns its record.
func (r *Registry) Add(conn net.Conn, remoteAddr string) *Connection {
	c := &Connection{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now(),
		conn:         conn,
		state:        StateUnauthenticated,
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// Get looks up a connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes a connection record. Returns the record, or nil if it
// was already removed.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	delete(r.conns, id)
	return c
}

// Authenticated returns a snapshot of all authenticated connections.
func (r *Registry) Authenticated() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.State() == StateAuthenticated {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

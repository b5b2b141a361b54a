package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// Command verification errors, all security-logged by callers.
var (
	ErrBadSignature   = errors.New("command signature invalid")
	ErrStaleCommand   = errors.New("command timestamp outside staleness window")
	ErrReplayDetected = errors.New("command replay detected")
)

// CommandAuthenticator is the single admission gate for inbound commands:
// signature check against the presenting controller's public key, then
// staleness, then replay detection against a per-client window of seen
// command IDs. The replay cache is shared across connections and guarded
// by a mutex.
type CommandAuthenticator struct {
	platform *Platform
	window   time.Duration

	mu   sync.Mutex
	seen map[string]map[string]time.Time // clientID → commandID → first seen
	now  func() time.Time
}

// NewCommandAuthenticator builds an authenticator. window bounds both
// acceptable clock drift and replay-cache retention.
func NewCommandAuthenticator(platform *Platform, window time.Duration) *CommandAuthenticator {
	return &CommandAuthenticator{
		platform: platform,
		window:   window,
		seen:     make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// Sign signs an outbound response envelope with the vehicle's platform key.
func (a *CommandAuthenticator) Sign(resp *protocol.Response) {
	resp.Signature = a.platform.Sign(resp.Canonical())
}

// SignCommand signs a command envelope with a controller private key.
// Used by client implementations; the vehicle never calls this.
func SignCommand(priv ed25519.PrivateKey, cmd *protocol.Command) *protocol.SignedCommand {
	sig := ed25519.Sign(priv, cmd.Canonical())
	return &protocol.SignedCommand{
		Command:   *cmd,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifySignature recomputes the canonical serialization and checks the
// Ed25519 signature. Any field mutation after signing fails this check.
func (a *CommandAuthenticator) VerifySignature(sc *protocol.SignedCommand, pub ed25519.PublicKey) bool {
	sig, err := base64.StdEncoding.DecodeString(sc.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, sc.Command.Canonical(), sig)
}

// Verify runs the full admission check: signature, staleness, replay.
// On success the command ID is recorded; an identical (clientID, id) pair
// within the window fails with ErrReplayDetected on a later call.
func (a *CommandAuthenticator) Verify(sc *protocol.SignedCommand, pub ed25519.PublicKey) error {
	if !a.VerifySignature(sc, pub) {
		return ErrBadSignature
	}

	now := a.now()
	issued := time.UnixMilli(sc.Timestamp)
	drift := now.Sub(issued)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.window {
		return ErrStaleCommand
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.seen[sc.ClientID]
	if ids == nil {
		ids = make(map[string]time.Time)
		a.seen[sc.ClientID] = ids
	} else {
		// Lazy prune: entries older than the window can no longer
		// collide with an admissible command.
		for id, at := range ids {
			if now.Sub(at) > a.window {
				delete(ids, id)
			}
		}
	}

	if _, dup := ids[sc.ID]; dup {
		return ErrReplayDetected
	}
	ids[sc.ID] = now
	return nil
}

// SweepReplayWindow drops all expired replay entries and returns the count
// removed. Runs on the same periodic timer as the session sweep.
func (a *CommandAuthenticator) SweepReplayWindow() int {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for client, ids := range a.seen {
		for id, at := range ids {
			if now.Sub(at) > a.window {
				delete(ids, id)
				removed++
			}
		}
		if len(ids) == 0 {
			delete(a.seen, client)
		}
	}
	return removed
}

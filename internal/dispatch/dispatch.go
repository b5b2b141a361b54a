// Package dispatch routes authenticated, validated commands to their
// handlers. It is the single enforcement point for the authentication
// precondition, per-type parameter validation, and security-event
// recording.
package dispatch

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/fieldlink/internal/bus"
	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/registry"
	"github.com/fieldlink/fieldlink/internal/security"
	"github.com/fieldlink/fieldlink/internal/status"
	"github.com/fieldlink/fieldlink/internal/store"
)

// Security event kinds recorded in the audit log.
const (
	EventUnauthorized       = "unauthorized_command"
	EventClientIDMismatch   = "client_id_mismatch"
	EventVerificationFailed = "command_verification_failed"
	EventConnectionDropped  = "connection_dropped_failure_limit"
	EventCertificateReject  = "certificate_rejected"
)

// Result tells the transport layer what to do after a command.
type Result struct {
	// Response is the signed envelope to send back, nil when nothing
	// should be written.
	Response *protocol.Response
	// Close instructs the transport to terminate the connection.
	Close bool
	// Topics lists the bus topics the command was published to.
	Topics []string
}

// Dispatcher validates and routes inbound commands.
type Dispatcher struct {
	sessions  *security.SessionManager
	auth      *security.CommandAuthenticator
	publisher *bus.RedundantPublisher
	status    *status.Aggregator
	store     store.Store
	logger    *slog.Logger
	encKey    *ecdh.PrivateKey

	maxSpeed  float64
	failLimit int

	handlers map[string]func(ctx context.Context, conn *registry.Connection, cmd *protocol.SignedCommand) *Result
}

// New creates a dispatcher. failLimit is the consecutive verification
// failure count that closes a connection, zero to disable. encKey is the
// vehicle's payload-encryption key; nil disables encrypted payloads.
func New(
	sessions *security.SessionManager,
	auth *security.CommandAuthenticator,
	publisher *bus.RedundantPublisher,
	aggregator *status.Aggregator,
	st store.Store,
	logger *slog.Logger,
	encKey *ecdh.PrivateKey,
	maxSpeed float64,
	failLimit int,
) *Dispatcher {
	d := &Dispatcher{
		sessions:  sessions,
		auth:      auth,
		publisher: publisher,
		status:    aggregator,
		store:     st,
		logger:    logger,
		encKey:    encKey,
		maxSpeed:  maxSpeed,
		failLimit: failLimit,
	}

	// Closed handler set: adding a command type means adding an entry
	// here and a constant in protocol, nothing is dispatched by
	// unchecked string.
	d.handlers = map[string]func(context.Context, *registry.Connection, *protocol.SignedCommand) *Result{
		protocol.CmdAuth:          d.handleAuth,
		protocol.CmdMove:          d.handleMove,
		protocol.CmdNavigate:      d.handleNavigate,
		protocol.CmdStop:          d.handleStop,
		protocol.CmdEmergencyStop: d.handleEmergencyStop,
		protocol.CmdGetStatus:     d.handleGetStatus,
		protocol.CmdSetBoundaries: d.handleSetBoundaries,
		protocol.CmdLogout:        d.handleLogout,
	}
	return d
}

// Dispatch handles one raw inbound frame payload. It never panics the
// caller: internal failures isolate to this single message.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *registry.Connection, raw []byte) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "panic", r)
			result = &Result{Response: d.errorResponse("", protocol.CodeInternalError, "internal error")}
		}
	}()

	var sc protocol.SignedCommand
	if err := json.Unmarshal(raw, &sc); err != nil {
		return &Result{Response: d.errorResponse("", protocol.CodeInvalidParameters, "malformed command envelope")}
	}

	handler, ok := d.handlers[sc.Type]
	if !ok {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeUnknownCommand, fmt.Sprintf("unknown command type %q", sc.Type))}
	}

	// Highest severity regardless of outcome, so a rejected stop attempt
	// is just as visible in the logs as an executed one.
	if sc.Type == protocol.CmdEmergencyStop {
		d.logger.Error("EMERGENCY STOP commanded",
			"client", conn.ClientID(), "connection", conn.ID, "command", sc.ID)
	}

	// Every command except AUTH requires an authenticated connection
	// with a live session.
	if sc.Type != protocol.CmdAuth {
		if res := d.admit(ctx, conn, &sc); res != nil {
			return res
		}
		if res := d.unseal(ctx, conn, &sc); res != nil {
			return res
		}
	}

	return handler(ctx, conn, &sc)
}

// unseal replaces an encrypted command payload with its plaintext. The
// envelope signature was already verified over the sealed bytes, so the
// signature binds the ciphertext the controller produced. Returns a
// non-nil result on rejection.
func (d *Dispatcher) unseal(ctx context.Context, conn *registry.Connection, sc *protocol.SignedCommand) *Result {
	if len(sc.Data) == 0 {
		return nil
	}

	var wrapper struct {
		Encrypted *security.EncryptedPayload `json:"encrypted"`
	}
	if err := json.Unmarshal(sc.Data, &wrapper); err != nil || wrapper.Encrypted == nil {
		return nil
	}

	if d.encKey == nil {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "encrypted payloads not supported")}
	}

	plaintext, err := security.Decrypt(wrapper.Encrypted, d.encKey)
	if err != nil {
		d.recordSecurityEvent(ctx, conn, EventVerificationFailed, "payload decryption failed")
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeVerificationFailed, "payload decryption failed")}
	}

	sc.Data = plaintext
	return nil
}

// admit enforces the authentication precondition and runs the signature /
// staleness / replay gate. Returns a non-nil result on rejection.
func (d *Dispatcher) admit(ctx context.Context, conn *registry.Connection, sc *protocol.SignedCommand) *Result {
	if conn.State() != registry.StateAuthenticated {
		d.recordSecurityEvent(ctx, conn, EventUnauthorized, fmt.Sprintf("%s before AUTH", sc.Type))
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeUnauthorized, "authentication required")}
	}

	if _, err := d.sessions.Validate(conn.SessionToken()); err != nil {
		// The session aged out under the connection; force re-AUTH but
		// keep the connection open.
		conn.Logout()
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeSessionExpired, "session expired, re-authenticate")}
	}

	if sc.ClientID != conn.ClientID() {
		d.recordSecurityEvent(ctx, conn, EventClientIDMismatch,
			fmt.Sprintf("envelope %q vs connection %q", sc.ClientID, conn.ClientID()))
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidClientID, "client id does not match connection identity")}
	}

	if err := d.auth.Verify(sc, conn.PublicKey()); err != nil {
		d.recordSecurityEvent(ctx, conn, EventVerificationFailed, err.Error())
		res := &Result{Response: d.errorResponse(sc.ID, protocol.CodeVerificationFailed, verificationDetail(err))}
		if n := conn.RecordAuthFailure(); d.failLimit > 0 && n >= d.failLimit {
			d.recordSecurityEvent(ctx, conn, EventConnectionDropped, fmt.Sprintf("%d consecutive failures", n))
			res.Close = true
		}
		return res
	}

	conn.ResetAuthFailures()
	conn.Touch()
	return nil
}

func verificationDetail(err error) string {
	switch {
	case errors.Is(err, security.ErrStaleCommand):
		return "command timestamp outside staleness window"
	case errors.Is(err, security.ErrReplayDetected):
		return "command replay detected"
	default:
		return "command signature invalid"
	}
}

// --- handlers ---

func (d *Dispatcher) handleAuth(ctx context.Context, conn *registry.Connection, sc *protocol.SignedCommand) *Result {
	var req protocol.AuthRequest
	if err := json.Unmarshal(sc.Data, &req); err != nil || req.ClientID == "" {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "AUTH requires clientId")}
	}

	identity := conn.Identity()
	if identity == nil {
		d.recordSecurityEvent(ctx, conn, EventCertificateReject, "AUTH without verified certificate")
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeCertificateInvalid, "no verified certificate"), Close: true}
	}

	if req.ClientID != identity.ClientID {
		d.recordSecurityEvent(ctx, conn, EventClientIDMismatch,
			fmt.Sprintf("AUTH %q vs certificate %q", req.ClientID, identity.ClientID))
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidClientID, "client id does not match certificate")}
	}

	// The AUTH envelope is signed with the certificate's key, proving
	// possession of the private key beyond the TLS handshake.
	if !d.auth.VerifySignature(sc, identity.PublicKey) {
		d.recordSecurityEvent(ctx, conn, EventVerificationFailed, "AUTH signature invalid")
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeVerificationFailed, "AUTH signature invalid")}
	}

	// Re-AUTH on a live connection replaces the previous session.
	if old := conn.SessionToken(); old != "" {
		d.sessions.Invalidate(old)
	}

	session, err := d.sessions.Issue(identity.ClientID)
	if err != nil {
		d.logger.Error("issue session", "error", err)
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInternalError, "session issue failed")}
	}

	conn.Authenticate(identity.ClientID, session.Token, identity.PublicKey, req.Compression)
	d.touchController(ctx, identity.ClientID)

	d.logger.Info("controller authenticated",
		"client", identity.ClientID, "connection", conn.ID, "compression", req.Compression)

	data, _ := json.Marshal(protocol.AuthSuccess{
		SessionToken: session.Token,
		ExpiresAt:    session.ExpiresAt.UnixMilli(),
	})
	return &Result{Response: d.okResponse(sc.ID, protocol.MsgAuthSuccess, data)}
}

func (d *Dispatcher) handleMove(_ context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	var params protocol.MoveParams
	if err := json.Unmarshal(sc.Data, &params); err != nil || params.Speed == nil || params.Direction == nil {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "MOVE requires numeric speed and direction")}
	}

	// Clamp speed magnitude to the configured maximum.
	speed := *params.Speed
	if speed > d.maxSpeed {
		speed = d.maxSpeed
	} else if speed < -d.maxSpeed {
		speed = -d.maxSpeed
	}

	cmd := sc.Command
	cmd.Data, _ = json.Marshal(map[string]float64{"speed": speed, "direction": *params.Direction})
	topics := d.publisher.PublishCommand(&cmd)

	return &Result{Response: d.ack(sc.ID), Topics: topics}
}

func (d *Dispatcher) handleNavigate(_ context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	var params protocol.NavigateParams
	if err := json.Unmarshal(sc.Data, &params); err != nil || len(params.Waypoints) == 0 {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "NAVIGATE requires a non-empty waypoint list")}
	}
	for _, wp := range params.Waypoints {
		if wp.X == nil || wp.Y == nil {
			return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "waypoints require numeric x and y")}
		}
	}

	topics := d.publisher.PublishCommand(&sc.Command)
	return &Result{Response: d.ack(sc.ID), Topics: topics}
}

func (d *Dispatcher) handleStop(_ context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	topics := d.publisher.PublishCommand(&sc.Command)
	return &Result{Response: d.ack(sc.ID), Topics: topics}
}

func (d *Dispatcher) handleEmergencyStop(_ context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	topics := d.publisher.PublishCommand(&sc.Command)
	return &Result{Response: d.ack(sc.ID), Topics: topics}
}

func (d *Dispatcher) handleGetStatus(ctx context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	var req protocol.StatusRequest
	if len(sc.Data) > 0 {
		if err := json.Unmarshal(sc.Data, &req); err != nil {
			return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "malformed GET_STATUS payload")}
		}
	}

	var data []byte
	if req.Subsystem != "" {
		result := d.status.Get(ctx, req.Subsystem)
		data, _ = json.Marshal(map[string]json.RawMessage{req.Subsystem: nullable(result)})
	} else {
		all := d.status.GetAll(ctx)
		safe := make(map[string]json.RawMessage, len(all))
		for k, v := range all {
			safe[k] = nullable(v)
		}
		data, _ = json.Marshal(safe)
	}

	topics := d.publisher.PublishCommand(&sc.Command)
	return &Result{Response: d.okResponse(sc.ID, protocol.MsgStatus, data), Topics: topics}
}

func (d *Dispatcher) handleSetBoundaries(_ context.Context, _ *registry.Connection, sc *protocol.SignedCommand) *Result {
	var params protocol.BoundariesParams
	if err := json.Unmarshal(sc.Data, &params); err != nil || len(params.Points) < 3 {
		return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "SET_BOUNDARIES requires at least 3 points")}
	}
	for _, p := range params.Points {
		if p.X == nil || p.Y == nil {
			return &Result{Response: d.errorResponse(sc.ID, protocol.CodeInvalidParameters, "boundary points require numeric x and y")}
		}
	}

	topics := d.publisher.PublishCommand(&sc.Command)
	return &Result{Response: d.ack(sc.ID), Topics: topics}
}

func (d *Dispatcher) handleLogout(_ context.Context, conn *registry.Connection, sc *protocol.SignedCommand) *Result {
	token := conn.Logout()
	d.sessions.Invalidate(token)
	d.logger.Info("controller logged out", "connection", conn.ID)
	return &Result{Response: d.okResponse(sc.ID, protocol.MsgLogout, nil)}
}

// --- response helpers ---

func (d *Dispatcher) okResponse(id, msgType string, data json.RawMessage) *protocol.Response {
	resp := &protocol.Response{
		Type:      msgType,
		Data:      data,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	}
	d.auth.Sign(resp)
	return resp
}

func (d *Dispatcher) ack(id string) *protocol.Response {
	data, _ := json.Marshal(map[string]string{"commandId": id})
	return d.okResponse(id, protocol.MsgAck, data)
}

func (d *Dispatcher) errorResponse(id, code, message string) *protocol.Response {
	data, _ := json.Marshal(protocol.ErrorData{Code: code, Message: message})
	return d.okResponse(id, protocol.MsgError, data)
}

func nullable(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

// recordSecurityEvent appends to the audit log and mirrors to the
// structured log. Audit failures never fail the command path.
func (d *Dispatcher) recordSecurityEvent(ctx context.Context, conn *registry.Connection, kind, detail string) {
	d.logger.Warn("security event",
		"kind", kind, "client", conn.ClientID(), "remote", conn.RemoteAddr, "detail", detail)

	ev := &store.SecurityEvent{
		ID:         uuid.NewString(),
		At:         time.Now(),
		ClientID:   conn.ClientID(),
		RemoteAddr: conn.RemoteAddr,
		Kind:       kind,
		Detail:     detail,
	}
	if err := d.store.AppendSecurityEvent(ctx, ev); err != nil {
		d.logger.Error("append security event", "error", err)
	}
}

// touchController updates the enrolled controller's last-seen timestamp.
func (d *Dispatcher) touchController(ctx context.Context, clientID string) {
	if err := d.store.UpdateControllerSeen(ctx, clientID, time.Now()); err != nil {
		d.logger.Debug("update controller seen", "client", clientID, "error", err)
	}
}

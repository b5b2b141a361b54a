// Package protocol defines the wire envelopes and WebSocket framing shared
// by the vehicle daemon and remote controller clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Command types accepted on the control channel.
const (
	CmdAuth          = "AUTH"
	CmdMove          = "MOVE"
	CmdNavigate      = "NAVIGATE"
	CmdStop          = "STOP"
	CmdEmergencyStop = "EMERGENCY_STOP"
	CmdGetStatus     = "GET_STATUS"
	CmdSetBoundaries = "SET_BOUNDARIES"
	CmdLogout        = "LOGOUT"
)

// Server message types.
const (
	MsgWelcome     = "WELCOME"
	MsgAuthSuccess = "AUTH_SUCCESS"
	MsgAck         = "COMMAND_ACCEPTED"
	MsgStatus      = "STATUS"
	MsgEvent       = "EVENT"
	MsgBatch       = "BATCH"
	MsgError       = "ERROR"
	MsgLogout      = "LOGOUT_SUCCESS"
)

// Stable error codes returned to clients.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidClientID     = "INVALID_CLIENT_ID"
	CodeInvalidParameters   = "INVALID_PARAMETERS"
	CodeUnknownCommand      = "UNKNOWN_COMMAND"
	CodeCertificateInvalid  = "CERTIFICATE_INVALID"
	CodeVerificationFailed  = "COMMAND_VERIFICATION_FAILED"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeDecompressionFailed = "DECOMPRESSION_FAILED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Command is the envelope a controller sends to the vehicle.
// Timestamp is Unix milliseconds at the issuer.
type Command struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
}

// SignedCommand carries a Command plus an Ed25519 signature (base64)
// computed over the command's canonical serialization.
type SignedCommand struct {
	Command
	Signature string `json:"signature"`
}

// Canonical returns the deterministic byte encoding used as the signing
// input: fixed field order, no whitespace, data embedded verbatim. Any
// re-encoding or field reordering by an intermediary produces different
// bytes and therefore an invalid signature.
func (c *Command) Canonical() []byte {
	var b bytes.Buffer
	b.WriteString(`{"id":`)
	b.Write(jsonString(c.ID))
	b.WriteString(`,"type":`)
	b.Write(jsonString(c.Type))
	b.WriteString(`,"data":`)
	if len(c.Data) == 0 {
		b.WriteString("null")
	} else {
		b.Write(c.Data)
	}
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(c.Timestamp, 10))
	b.WriteByte('}')
	return b.Bytes()
}

func jsonString(s string) []byte {
	out, _ := json.Marshal(s)
	return out
}

// Response is the envelope the vehicle sends back to a controller.
// Signature is the base64 Ed25519 signature by the vehicle's platform key
// over the response's canonical serialization.
type Response struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// Canonical returns the deterministic signing input for a response,
// excluding the signature field itself.
func (r *Response) Canonical() []byte {
	c := Command{ID: r.ID, Type: r.Type, Data: r.Data, Timestamp: r.Timestamp}
	return c.Canonical()
}

// ErrorData is the payload of an ERROR response.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthRequest is the data payload of an AUTH command. Compression
// declares that the client accepts gzip-compressed binary frames.
type AuthRequest struct {
	ClientID    string `json:"clientId"`
	Compression bool   `json:"compression,omitempty"`
}

// Welcome is the data payload of the WELCOME message sent on connect.
type Welcome struct {
	VehicleID    string `json:"vehicleId"`
	RequiresAuth bool   `json:"requiresAuth"`
}

// AuthSuccess is the data payload of an AUTH_SUCCESS message.
type AuthSuccess struct {
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Batch is the data payload of a BATCH message. Messages preserve
// enqueue order and are fully serialized Response envelopes.
type Batch struct {
	Messages []json.RawMessage `json:"messages"`
}

// Event is the data payload of an EVENT message re-broadcast from an
// internal topic to authenticated controllers.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MoveParams is the data payload of a MOVE command. Pointer fields
// distinguish absent parameters from zero values during validation.
type MoveParams struct {
	Speed     *float64 `json:"speed"`
	Direction *float64 `json:"direction"`
}

// Waypoint is one navigation or boundary point.
type Waypoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// NavigateParams is the data payload of a NAVIGATE command.
type NavigateParams struct {
	Waypoints []Waypoint `json:"waypoints"`
}

// BoundariesParams is the data payload of a SET_BOUNDARIES command.
type BoundariesParams struct {
	Points []Waypoint `json:"points"`
}

// StatusRequest is the data payload of a GET_STATUS command.
// An empty subsystem requests all subsystems.
type StatusRequest struct {
	Subsystem string `json:"subsystem,omitempty"`
}

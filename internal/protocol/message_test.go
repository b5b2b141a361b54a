package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandCanonical(t *testing.T) {
	cmd := &Command{
		ID:        "cmd-1",
		Type:      CmdMove,
		Data:      json.RawMessage(`{"speed":1.5,"direction":90}`),
		Timestamp: 1700000000000,
		ClientID:  "ctrl-1",
	}

	want := `{"id":"cmd-1","type":"MOVE","data":{"speed":1.5,"direction":90},"timestamp":1700000000000}`
	assert.Equal(t, want, string(cmd.Canonical()))

	// Deterministic across calls.
	assert.Equal(t, cmd.Canonical(), cmd.Canonical())
}

func TestCommandCanonicalNilData(t *testing.T) {
	cmd := &Command{ID: "cmd-2", Type: CmdStop, Timestamp: 42}
	want := `{"id":"cmd-2","type":"STOP","data":null,"timestamp":42}`
	assert.Equal(t, want, string(cmd.Canonical()))
}

func TestCommandCanonicalEscapesStrings(t *testing.T) {
	cmd := &Command{ID: `a"b`, Type: CmdStop, Timestamp: 1}
	canon := cmd.Canonical()

	// The output must stay valid JSON even with quoting in the ID.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(canon, &decoded))
	assert.Equal(t, `a"b`, decoded["id"])
}

func TestCommandCanonicalEmbedsDataVerbatim(t *testing.T) {
	// Key order inside data is preserved byte for byte; a re-encoded
	// payload would produce different signing input.
	a := &Command{ID: "x", Type: CmdMove, Data: json.RawMessage(`{"a":1,"b":2}`), Timestamp: 1}
	b := &Command{ID: "x", Type: CmdMove, Data: json.RawMessage(`{"b":2,"a":1}`), Timestamp: 1}
	assert.NotEqual(t, a.Canonical(), b.Canonical())
}

func TestResponseCanonicalExcludesSignature(t *testing.T) {
	resp := &Response{
		Type:      MsgAck,
		Data:      json.RawMessage(`{"ok":true}`),
		ID:        "cmd-1",
		Timestamp: 99,
	}
	before := resp.Canonical()
	resp.Signature = "c2ln"
	assert.Equal(t, before, resp.Canonical())
}

func TestSignedCommandJSONShape(t *testing.T) {
	sc := &SignedCommand{
		Command: Command{
			ID:        "cmd-1",
			Type:      CmdGetStatus,
			Timestamp: 7,
			ClientID:  "ctrl-1",
		},
		Signature: "c2ln",
	}

	raw, err := json.Marshal(sc)
	require.NoError(t, err)

	// Command fields are flattened alongside the signature, not nested.
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "cmd-1", flat["id"])
	assert.Equal(t, "GET_STATUS", flat["type"])
	assert.Equal(t, "c2ln", flat["signature"])
	assert.NotContains(t, flat, "command")
}

package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

func TestCommandTopics(t *testing.T) {
	tests := []struct {
		cmdType string
		want    []string
	}{
		{protocol.CmdEmergencyStop, []string{
			"command.emergencyStop",
			"command.emergencyStop.redundant",
			"command.emergencyStop.critical",
		}},
		{protocol.CmdMove, []string{"command.move", "command.move.redundant"}},
		{protocol.CmdNavigate, []string{"command.navigate", "command.navigate.redundant"}},
		{protocol.CmdStop, []string{"command.stop", "command.stop.redundant"}},
		{protocol.CmdSetBoundaries, []string{"command.setBoundaries", "command.setBoundaries.redundant"}},
		{protocol.CmdGetStatus, []string{"command.getStatus"}},
	}
	for _, tc := range tests {
		t.Run(tc.cmdType, func(t *testing.T) {
			assert.Equal(t, tc.want, CommandTopics(tc.cmdType))
		})
	}
}

func TestPublishCommandFansOut(t *testing.T) {
	b := New()
	p := NewRedundantPublisher(b)

	primary, cancelP := b.Subscribe("command.emergencyStop")
	defer cancelP()
	redundant, cancelR := b.Subscribe("command.emergencyStop.redundant")
	defer cancelR()
	critical, cancelC := b.Subscribe("command.emergencyStop.critical")
	defer cancelC()

	cmd := &protocol.Command{
		ID:        "cmd-1",
		Type:      protocol.CmdEmergencyStop,
		Timestamp: 1700000000000,
		ClientID:  "ctrl-1",
	}
	topics := p.PublishCommand(cmd)
	require.Len(t, topics, 3)

	for _, ch := range []<-chan Message{primary, redundant, critical} {
		select {
		case msg := <-ch:
			var got protocol.Command
			require.NoError(t, json.Unmarshal(msg.Payload, &got))
			assert.Equal(t, "cmd-1", got.ID)
			assert.Equal(t, protocol.CmdEmergencyStop, got.Type)
		case <-time.After(time.Second):
			t.Fatal("channel missed redundant delivery")
		}
	}
}

func TestPublishCommandRoutineSingleTopic(t *testing.T) {
	b := New()
	p := NewRedundantPublisher(b)

	redundant, cancel := b.Subscribe("command.getStatus.redundant")
	defer cancel()

	topics := p.PublishCommand(&protocol.Command{ID: "cmd-2", Type: protocol.CmdGetStatus})
	assert.Equal(t, []string{"command.getStatus"}, topics)

	select {
	case <-redundant:
		t.Fatal("routine command must not reach the redundant channel")
	default:
	}
}

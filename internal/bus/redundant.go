package bus

import (
	"encoding/json"
	"strings"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// External event topics consumed by the command channel and re-broadcast
// to authenticated controllers.
const (
	TopicNavigationStatus = "navigation.statusUpdated"
	TopicMotorStatus      = "motor.statusUpdated"
	TopicSensorStatus     = "sensor.statusUpdated"
	TopicSafetyStatus     = "safety.statusUpdated"
	TopicEmergencyStop    = "safety.emergencyStopActivated"
	TopicBoundaryViolated = "safety.boundaryViolation"
)

// BroadcastTopics is the set of topics re-broadcast to controllers.
var BroadcastTopics = []string{
	TopicNavigationStatus,
	TopicMotorStatus,
	TopicSensorStatus,
	TopicSafetyStatus,
	TopicEmergencyStop,
	TopicBoundaryViolated,
}

// RedundantPublisher fans validated commands out to one, two or three
// named topics depending on severity. The fan-out is best-effort: there is
// no acknowledgment or consensus, only an increased chance that at least
// one downstream subscriber sees the command when a delivery path is
// degraded.
type RedundantPublisher struct {
	bus *Bus
}

// NewRedundantPublisher wraps a bus.
func NewRedundantPublisher(b *Bus) *RedundantPublisher {
	return &RedundantPublisher{bus: b}
}

// PublishCommand publishes cmd to every topic its type maps to and
// returns the topics used.
func (p *RedundantPublisher) PublishCommand(cmd *protocol.Command) []string {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil
	}

	topics := CommandTopics(cmd.Type)
	for _, topic := range topics {
		p.bus.Publish(topic, payload)
	}
	return topics
}

// CommandTopics maps a command type to its delivery topics:
//
//	routine (GET_STATUS)                      → primary only
//	state-changing (MOVE, NAVIGATE, STOP,
//	                SET_BOUNDARIES)           → primary + redundant
//	EMERGENCY_STOP                            → primary + redundant + critical
func CommandTopics(cmdType string) []string {
	primary := "command." + lowerCamel(cmdType)

	switch cmdType {
	case protocol.CmdEmergencyStop:
		return []string{primary, primary + ".redundant", primary + ".critical"}
	case protocol.CmdMove, protocol.CmdNavigate, protocol.CmdStop, protocol.CmdSetBoundaries:
		return []string{primary, primary + ".redundant"}
	default:
		return []string{primary}
	}
}

// lowerCamel converts a SNAKE_UPPER command type to lowerCamelCase, e.g.
// EMERGENCY_STOP → emergencyStop.
func lowerCamel(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

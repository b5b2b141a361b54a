package status

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"
)

// Simulated returns a provider producing plausible telemetry for the
// named subsystem. The real control stack replaces these at wiring time;
// they exist so the daemon runs end-to-end without vehicle hardware.
func Simulated(subsystem string) Provider {
	var tick atomic.Int64
	return ProviderFunc(func(ctx context.Context) (json.RawMessage, error) {
		n := tick.Add(1)
		t := float64(n)

		var payload any
		switch subsystem {
		case SubsystemNavigation:
			payload = map[string]any{
				"position": map[string]float64{
					"x": 10 * math.Sin(t/20),
					"y": 10 * math.Cos(t/20),
				},
				"heading":  math.Mod(t*3, 360),
				"active":   true,
				"waypoint": n % 8,
			}
		case SubsystemMotor:
			payload = map[string]any{
				"speed":       1.2 + 0.3*math.Sin(t/5),
				"direction":   1,
				"temperature": 62 + 2*math.Sin(t/30),
			}
		case SubsystemSensor:
			payload = map[string]any{
				"gps":      map[string]any{"fix": true, "satellites": 11},
				"lidar":    map[string]any{"obstacles": 0},
				"moisture": 0.31,
			}
		case SubsystemSafety:
			payload = map[string]any{
				"emergencyStop":  false,
				"withinBoundary": true,
			}
		default:
			return nil, nil
		}

		data, err := json.Marshal(map[string]any{
			"subsystem": subsystem,
			"timestamp": time.Now().UnixMilli(),
			"data":      payload,
		})
		return data, err
	})
}

// EventSource periodically publishes subsystem status-updated events,
// standing in for the sensor fusion and control subsystems that feed the
// real vehicle's event topics.
type EventSource struct {
	publish  func(topic string, payload json.RawMessage)
	interval time.Duration
}

// NewEventSource creates a simulated event source publishing through fn.
func NewEventSource(fn func(topic string, payload json.RawMessage), interval time.Duration) *EventSource {
	return &EventSource{publish: fn, interval: interval}
}

// Run publishes one status-updated event per subsystem per interval until
// ctx is cancelled.
func (s *EventSource) Run(ctx context.Context) {
	topics := map[string]Provider{
		"navigation.statusUpdated": Simulated(SubsystemNavigation),
		"motor.statusUpdated":      Simulated(SubsystemMotor),
		"sensor.statusUpdated":     Simulated(SubsystemSensor),
		"safety.statusUpdated":     Simulated(SubsystemSafety),
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for topic, provider := range topics {
				if data, err := provider.GetStatus(ctx); err == nil {
					s.publish(topic, data)
				}
			}
		}
	}
}

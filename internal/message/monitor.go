package message

import (
	"time"

	"github.com/google/uuid"
)

// Monitoring event types.
const (
	EventBadge          = "badge_event"
	EventDoorState      = "door_state"
	EventRelayCommand   = "relay_command"
	EventDevice         = "device_status"
	EventManualOverride = "manual_override"
)

// MonitorEvent is one entry of the monitoring stream.
type MonitorEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewMonitorEvent stamps data with a fresh id and the current time.
func NewMonitorEvent(eventType, deviceID string, data any) MonitorEvent {
	return MonitorEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Data:      data,
	}
}

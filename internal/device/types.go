package device

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a simulated device is.
type Kind string

// Device kinds. The values double as MQTT topic segments.
const (
	KindReader Kind = "badgeuse"
	KindDoor   Kind = "porte"
)

// ParseKind accepts the canonical kind values and their English aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "badgeuse", "reader":
		return KindReader, nil
	case "porte", "door":
		return KindDoor, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindReader || k == KindDoor
}

// Config is the desired configuration of a device.
// Only readers carry a door association; doors have none.
type Config struct {
	DoorID string `json:"door_id,omitempty"`
}

// normalise drops settings that do not apply to kind.
func (c Config) normalise(kind Kind) Config {
	if kind != KindReader {
		return Config{}
	}
	c.DoorID = strings.TrimSpace(c.DoorID)
	return c
}

// LifecycleState is the registry's view of a device.
type LifecycleState string

// Lifecycle states.
const (
	StateStarting LifecycleState = "starting"
	StateReady    LifecycleState = "ready"
	StateStopping LifecycleState = "stopping"
	StateAbsent   LifecycleState = "absent"
)

// UnitStatus is what a runtime reports about a backing unit.
type UnitStatus string

// Unit statuses.
const (
	UnitRunning UnitStatus = "running"
	UnitExited  UnitStatus = "exited"
	UnitUnknown UnitStatus = "unknown"
)

// Unit is an opaque handle on whatever backs a device: a container,
// a subprocess or an in-process worker.
//
// Handles are snapshots; the registry re-reads a unit through
// Runtime.Get before acting on it.
type Unit interface {
	ID() string
	Kind() Kind
	Status() UnitStatus
	ObservedConfig() Config
	HealthURL() string
}

// Status is a point-in-time snapshot of a device record.
type Status struct {
	DeviceID   string         `json:"device_id"`
	Kind       Kind           `json:"kind"`
	DoorID     string         `json:"door_id,omitempty"`
	State      LifecycleState `json:"state"`
	Ready      bool           `json:"ready"`
	UnitStatus UnitStatus     `json:"unit_status"`
	HealthURL  string         `json:"health_url,omitempty"`
	Generation uint64         `json:"generation"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// BaseURL returns the root of the unit's HTTP control surface,
// derived from its health URL.
func (s Status) BaseURL() string {
	return strings.TrimSuffix(s.HealthURL, "/health")
}

// ValidateID checks that id is usable as a topic segment and unit name.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '-' || r == '_' || r == '.'
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// maxIDLength keeps ids within docker's container name limits.
const maxIDLength = 63

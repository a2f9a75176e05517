package device

import "context"

// Runtime creates and retires backing units. Implementations live under
// internal/runtime (worker, docker, process).
//
// Every method is safe for concurrent use. The registry never calls two
// methods concurrently for the same device ID.
type Runtime interface {
	// Start creates and starts a unit for (kind, id) configured with cfg.
	// The unit carries the managed labels so List can find it again.
	Start(ctx context.Context, kind Kind, id string, cfg Config) (Unit, error)

	// Stop stops and removes u. Stopping an already-gone unit is not an error.
	Stop(ctx context.Context, u Unit) error

	// Restart restarts u in place, preserving identity and labels.
	Restart(ctx context.Context, u Unit) (Unit, error)

	// Get returns the live unit for id, or ErrUnitNotFound.
	Get(ctx context.Context, id string) (Unit, error)

	// List returns the units whose labels include every entry of labels.
	List(ctx context.Context, labels map[string]string) ([]Unit, error)
}

// Label keys attached to every managed unit.
const (
	LabelManaged  = "iot"
	LabelKind     = "iot.kind"
	LabelDeviceID = "iot.device_id"
	LabelDoorID   = "iot.door_id"
)

// Labels returns the label set a runtime attaches to a unit.
func Labels(kind Kind, id string, cfg Config) map[string]string {
	labels := map[string]string{
		LabelManaged:  "true",
		LabelKind:     string(kind),
		LabelDeviceID: id,
	}
	if cfg = cfg.normalise(kind); cfg.DoorID != "" {
		labels[LabelDoorID] = cfg.DoorID
	}
	return labels
}

// ManagedSelector selects every unit created by this system.
func ManagedSelector() map[string]string {
	return map[string]string{LabelManaged: "true"}
}

// MatchLabels reports whether have contains every entry of want.
func MatchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// ConfigFromLabels recovers a device configuration from unit labels.
func ConfigFromLabels(labels map[string]string) (Kind, string, Config, bool) {
	if labels[LabelManaged] != "true" {
		return "", "", Config{}, false
	}
	kind := Kind(labels[LabelKind])
	id := labels[LabelDeviceID]
	if !kind.Valid() || id == "" {
		return "", "", Config{}, false
	}
	return kind, id, Config{DoorID: labels[LabelDoorID]}.normalise(kind), true
}

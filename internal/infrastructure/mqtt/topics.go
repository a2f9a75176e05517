package mqtt

import (
	"fmt"
	"strings"
)

// Topic segments of the simulator topic tree. These must stay bit-exact:
// device images built outside this repository publish and subscribe on them.
//
//	iot/badgeuse/{device_id}/events    reader -> relay, monitoring
//	iot/badgeuse/{device_id}/commands  operator -> reader
//	iot/porte/{device_id}/state        door -> monitoring (retained)
//	iot/porte/{device_id}/commands     relay, operator -> door
const (
	// TopicPrefix is the root of every simulator topic.
	TopicPrefix = "iot"

	// SegmentReader is the kind segment for badge readers.
	SegmentReader = "badgeuse"

	// SegmentDoor is the kind segment for doors.
	SegmentDoor = "porte"

	// DoorIDPlaceholder is substituted in door command format strings.
	DoorIDPlaceholder = "{door_id}"
)

// Topics provides builders for simulator MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topics.DoorCommands("porte-001")
//	// Returns: "iot/porte/porte-001/commands"
type Topics struct{}

// =============================================================================
// Reader Topics
// =============================================================================

// ReaderEvents returns the topic a reader publishes badge scans on.
//
// Example: iot/badgeuse/badgeuse-001/events
func (Topics) ReaderEvents(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/events", TopicPrefix, SegmentReader, deviceID)
}

// ReaderCommands returns the command topic of one reader.
//
// Example: iot/badgeuse/badgeuse-001/commands
func (Topics) ReaderCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/commands", TopicPrefix, SegmentReader, deviceID)
}

// =============================================================================
// Door Topics
// =============================================================================

// DoorState returns the retained state topic of a door.
//
// Example: iot/porte/porte-001/state
func (Topics) DoorState(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/state", TopicPrefix, SegmentDoor, deviceID)
}

// DoorCommands returns the command topic of a door.
//
// Example: iot/porte/porte-001/commands
func (Topics) DoorCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/commands", TopicPrefix, SegmentDoor, deviceID)
}

// DoorCommandsFormat returns the default door command format string.
//
// Example: iot/porte/{door_id}/commands
func (t Topics) DoorCommandsFormat() string {
	return t.DoorCommands(DoorIDPlaceholder)
}

// FormatDoorCommands substitutes doorID into a door command format string.
func (Topics) FormatDoorCommands(format, doorID string) string {
	return strings.ReplaceAll(format, DoorIDPlaceholder, doorID)
}

// =============================================================================
// Client Status Topics
// =============================================================================

// Status returns the retained online/offline topic of a bus client.
//
// Example: iot/status/porte-001
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllReaderEvents returns a pattern matching every reader's events.
//
// Pattern: iot/badgeuse/+/events
func (Topics) AllReaderEvents() string {
	return fmt.Sprintf("%s/%s/+/events", TopicPrefix, SegmentReader)
}

// AllReaderCommands returns a pattern matching every reader's commands.
//
// Pattern: iot/badgeuse/+/commands
func (Topics) AllReaderCommands() string {
	return fmt.Sprintf("%s/%s/+/commands", TopicPrefix, SegmentReader)
}

// AllDoorStates returns a pattern matching every door's state.
//
// Pattern: iot/porte/+/state
func (Topics) AllDoorStates() string {
	return fmt.Sprintf("%s/%s/+/state", TopicPrefix, SegmentDoor)
}

// AllDoorCommands returns a pattern matching every door's commands.
//
// Pattern: iot/porte/+/commands
func (Topics) AllDoorCommands() string {
	return fmt.Sprintf("%s/%s/+/commands", TopicPrefix, SegmentDoor)
}

// AllStatus returns a pattern matching every client status.
//
// Pattern: iot/status/+
func (Topics) AllStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefix)
}

// =============================================================================
// Parsing
// =============================================================================

// DeviceTopic is a parsed iot/{segment}/{device_id}/{channel} topic.
type DeviceTopic struct {
	Segment  string // "badgeuse" or "porte"
	DeviceID string
	Channel  string // "events", "commands" or "state"
}

// ParseDeviceTopic splits a concrete device topic.
// It returns false for anything that is not a four-level iot/ topic.
func ParseDeviceTopic(topic string) (DeviceTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] == "" {
		return DeviceTopic{}, false
	}
	if parts[1] != SegmentReader && parts[1] != SegmentDoor {
		return DeviceTopic{}, false
	}
	return DeviceTopic{Segment: parts[1], DeviceID: parts[2], Channel: parts[3]}, true
}

// Match reports whether a concrete topic matches a subscription pattern
// using MQTT wildcard rules ("+" one level, trailing "#" any remainder).
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, p := range pp {
		if p == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

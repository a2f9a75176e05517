package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
)

// Badge command actions accepted by readers.
const (
	ActionBadge         = "badge"
	ActionSimulateBadge = "simulate_badge"
	ActionBadgeEvent    = "badge_event"
)

// DefaultBadgeID is used when a badge command names no badge.
const DefaultBadgeID = "BADGE-TEST"

// TypeBadgeEvent tags reader event envelopes.
const TypeBadgeEvent = "badge_event"

// BadgeEvent is a badge scan published by a reader.
type BadgeEvent struct {
	ReaderID  string    `json:"reader_id"`
	BadgeID   string    `json:"badge_id"`
	DoorID    string    `json:"door_id,omitempty"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

type badgeEventWire struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Type      string    `json:"type"`
	BadgeID   string    `json:"badgeID"`
	DoorID    string    `json:"doorID"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode returns the canonical JSON body of the event.
func (e BadgeEvent) Encode() ([]byte, error) {
	return json.Marshal(badgeEventWire{
		DeviceID:  e.ReaderID,
		Type:      TypeBadgeEvent,
		BadgeID:   e.BadgeID,
		DoorID:    e.DoorID,
		Success:   e.Success,
		Timestamp: e.Timestamp.UTC(),
	})
}

// DecodeBadgeEvent normalizes a reader event received on topic.
//
// The reader id is taken from the topic when it is a reader events topic,
// otherwise from a device_id field. A missing success flag means success.
// Envelopes typed as anything other than badge_event yield ErrNotBadgeEvent.
func DecodeBadgeEvent(topic string, payload []byte) (BadgeEvent, error) {
	f, err := parseFields(payload)
	if err != nil {
		return BadgeEvent{}, err
	}
	if typ := f.str("type"); typ != "" && !strings.EqualFold(typ, TypeBadgeEvent) {
		return BadgeEvent{}, fmt.Errorf("%w: type %q", ErrNotBadgeEvent, typ)
	}

	readerID := ""
	if dt, ok := mqtt.ParseDeviceTopic(topic); ok && dt.Segment == mqtt.SegmentReader {
		readerID = dt.DeviceID
	}
	if readerID == "" {
		readerID = f.str("device_id", "deviceID", "readerID")
	}

	return BadgeEvent{
		ReaderID:  readerID,
		BadgeID:   f.str("badgeID", "badge_id", "tag_id"),
		DoorID:    f.str("doorID", "door_id"),
		Success:   f.boolean("success", true),
		Timestamp: f.timestamp(time.Now(), "timestamp", "ts"),
	}, nil
}

// BadgeCommand asks a reader to emit a badge scan.
type BadgeCommand struct {
	Action    string
	BadgeID   string
	DoorID    string
	Success   bool
	Timestamp time.Time
}

type badgeCommandWire struct {
	Action    string    `json:"action"`
	BadgeID   string    `json:"badgeID"`
	DoorID    string    `json:"doorID,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBadgeCommand returns a successful simulate_badge command.
func NewBadgeCommand(badgeID, doorID string) BadgeCommand {
	return BadgeCommand{
		Action:    ActionSimulateBadge,
		BadgeID:   badgeID,
		DoorID:    doorID,
		Success:   true,
		Timestamp: time.Now(),
	}
}

// Encode returns the canonical JSON body of the command.
func (c BadgeCommand) Encode() ([]byte, error) {
	action := c.Action
	if action == "" {
		action = ActionSimulateBadge
	}
	w := badgeCommandWire{
		Action:    action,
		BadgeID:   c.BadgeID,
		DoorID:    c.DoorID,
		Timestamp: c.Timestamp.UTC(),
	}
	if !c.Success {
		failed := false
		w.Success = &failed
	}
	return json.Marshal(w)
}

// DecodeBadgeCommand normalizes a reader command. The action may be given
// as "action" or "type"; anything other than badge, simulate_badge or
// badge_event yields ErrUnsupportedAction. Missing badge ids default to
// DefaultBadgeID and an empty door id means "use the configured door".
func DecodeBadgeCommand(payload []byte) (BadgeCommand, error) {
	f, err := parseFields(payload)
	if err != nil {
		return BadgeCommand{}, err
	}

	action := strings.ToLower(f.str("action", "type"))
	switch action {
	case ActionBadge, ActionSimulateBadge, ActionBadgeEvent:
	default:
		return BadgeCommand{}, ErrUnsupportedAction
	}
	return badgeCommandFrom(action, f), nil
}

// DecodeBadgeRequest normalizes the body of an HTTP badge request. No
// action is required and an empty body is a default scan.
func DecodeBadgeRequest(payload []byte) (BadgeCommand, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	f, err := parseFields(payload)
	if err != nil {
		return BadgeCommand{}, err
	}
	return badgeCommandFrom(ActionBadge, f), nil
}

func badgeCommandFrom(action string, f fields) BadgeCommand {
	badgeID := f.str("badgeID", "badge_id", "tag_id")
	if badgeID == "" {
		badgeID = DefaultBadgeID
	}
	return BadgeCommand{
		Action:    action,
		BadgeID:   badgeID,
		DoorID:    f.str("doorID", "door_id"),
		Success:   f.boolean("success", true),
		Timestamp: f.timestamp(time.Now(), "timestamp", "ts"),
	}
}

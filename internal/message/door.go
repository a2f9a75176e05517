package message

import (
	"encoding/json"
	"strings"
	"time"
)

// Door command actions.
const (
	ActionOpen   = "open"
	ActionClose  = "close"
	ActionToggle = "toggle"
)

// SourceRelay marks commands published by the badge relay.
const SourceRelay = "relay"

// TypeDoorState tags door state envelopes.
const TypeDoorState = "door_state"

// DoorCommand asks a door to change state.
//
// ReaderID, BadgeID and Success carry provenance when the command was
// caused by a badge scan.
type DoorCommand struct {
	Action    string    `json:"action"`
	DoorID    string    `json:"door_id"`
	Source    string    `json:"source,omitempty"`
	ReaderID  string    `json:"reader_id,omitempty"`
	BadgeID   string    `json:"badge_id,omitempty"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

type doorCommandWire struct {
	Action    string           `json:"action"`
	DoorID    string           `json:"doorID,omitempty"`
	Source    string           `json:"source,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      *doorCommandData `json:"data,omitempty"`
}

type doorCommandData struct {
	ReaderID string `json:"readerID"`
	BadgeID  string `json:"badgeID"`
	Success  bool   `json:"success"`
}

// Encode returns the canonical JSON body of the command.
func (c DoorCommand) Encode() ([]byte, error) {
	w := doorCommandWire{
		Action:    c.Action,
		DoorID:    c.DoorID,
		Source:    c.Source,
		Timestamp: c.Timestamp.UTC(),
	}
	if c.ReaderID != "" || c.BadgeID != "" {
		w.Data = &doorCommandData{ReaderID: c.ReaderID, BadgeID: c.BadgeID, Success: c.Success}
	}
	return json.Marshal(w)
}

// ValidDoorAction reports whether action is open, close or toggle.
func ValidDoorAction(action string) bool {
	switch action {
	case ActionOpen, ActionClose, ActionToggle:
		return true
	}
	return false
}

// DecodeDoorCommand normalizes a door command. The action is lower-cased;
// an unknown action yields ErrUnsupportedAction.
func DecodeDoorCommand(payload []byte) (DoorCommand, error) {
	f, err := parseFields(payload)
	if err != nil {
		return DoorCommand{}, err
	}

	action := strings.ToLower(asString(f.top["action"]))
	if !ValidDoorAction(action) {
		return DoorCommand{}, ErrUnsupportedAction
	}

	return DoorCommand{
		Action:    action,
		DoorID:    f.str("doorID", "door_id"),
		Source:    asString(f.top["source"]),
		ReaderID:  f.str("readerID", "badge_device_id"),
		BadgeID:   f.str("badgeID", "badge_id", "tag_id"),
		Success:   f.boolean("success", true),
		Timestamp: f.timestamp(time.Now(), "timestamp", "ts"),
	}, nil
}

// DoorState is the retained state a door publishes.
type DoorState struct {
	DoorID     string    `json:"door_id"`
	IsOpen     bool      `json:"is_open"`
	LastChange time.Time `json:"last_change"`
	Timestamp  time.Time `json:"timestamp"`
}

type doorStateWire struct {
	DeviceID  string        `json:"device_id"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      doorStateData `json:"data"`
}

type doorStateData struct {
	IsOpen     bool       `json:"is_open"`
	LastChange *time.Time `json:"last_change"`
}

// Encode returns the canonical JSON body of the state.
func (s DoorState) Encode() ([]byte, error) {
	w := doorStateWire{
		DeviceID:  s.DoorID,
		Type:      TypeDoorState,
		Timestamp: s.Timestamp.UTC(),
		Data:      doorStateData{IsOpen: s.IsOpen},
	}
	if !s.LastChange.IsZero() {
		lc := s.LastChange.UTC()
		w.Data.LastChange = &lc
	}
	return json.Marshal(w)
}

// DecodeDoorState normalizes a door state body.
func DecodeDoorState(payload []byte) (DoorState, error) {
	f, err := parseFields(payload)
	if err != nil {
		return DoorState{}, err
	}
	return DoorState{
		DoorID:     f.str("device_id", "doorID", "door_id"),
		IsOpen:     f.boolean("is_open", false),
		LastChange: f.timestamp(time.Time{}, "last_change"),
		Timestamp:  f.timestamp(time.Now(), "timestamp", "ts"),
	}, nil
}

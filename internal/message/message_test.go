package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeBadgeEvent_Spellings(t *testing.T) {
	tests := []struct {
		name        string
		topic       string
		payload     string
		wantReader  string
		wantBadge   string
		wantDoor    string
		wantSuccess bool
	}{
		{
			name:        "canonical flat body",
			topic:       "iot/badgeuse/badgeuse-001/events",
			payload:     `{"badgeID":"B1","doorID":"porte-001","timestamp":"2026-03-01T10:00:00Z"}`,
			wantReader:  "badgeuse-001",
			wantBadge:   "B1",
			wantDoor:    "porte-001",
			wantSuccess: true,
		},
		{
			name:        "snake case",
			topic:       "iot/badgeuse/r2/events",
			payload:     `{"badge_id":"B2","door_id":"p2","success":true}`,
			wantReader:  "r2",
			wantBadge:   "B2",
			wantDoor:    "p2",
			wantSuccess: true,
		},
		{
			name:        "legacy envelope nested under data",
			topic:       "iot/badgeuse/r3/events",
			payload:     `{"device_id":"r3","type":"badge_event","ts":"2026-03-01T10:00:00Z","data":{"tag_id":"T3","success":false,"door_id":"p3"}}`,
			wantReader:  "r3",
			wantBadge:   "T3",
			wantDoor:    "p3",
			wantSuccess: false,
		},
		{
			name:        "reader id from body when topic is not a reader topic",
			topic:       "custom/events",
			payload:     `{"device_id":"r4","tag_id":1234}`,
			wantReader:  "r4",
			wantBadge:   "1234",
			wantSuccess: true,
		},
		{
			name:        "no door",
			topic:       "iot/badgeuse/r5/events",
			payload:     `{"badgeID":"B5","doorID":""}`,
			wantReader:  "r5",
			wantBadge:   "B5",
			wantSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeBadgeEvent(tt.topic, []byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeBadgeEvent() error = %v", err)
			}
			if ev.ReaderID != tt.wantReader {
				t.Errorf("ReaderID = %q, want %q", ev.ReaderID, tt.wantReader)
			}
			if ev.BadgeID != tt.wantBadge {
				t.Errorf("BadgeID = %q, want %q", ev.BadgeID, tt.wantBadge)
			}
			if ev.DoorID != tt.wantDoor {
				t.Errorf("DoorID = %q, want %q", ev.DoorID, tt.wantDoor)
			}
			if ev.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", ev.Success, tt.wantSuccess)
			}
		})
	}
}

func TestDecodeBadgeEvent_Malformed(t *testing.T) {
	for _, payload := range []string{"not json", "[1,2]", "null", `"str"`} {
		if _, err := DecodeBadgeEvent("iot/badgeuse/r/events", []byte(payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeBadgeEvent(%q) error = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestDecodeBadgeEvent_OtherTypeRejected(t *testing.T) {
	for _, payload := range []string{
		`{"type":"heartbeat","doorID":"porte-001"}`,
		`{"type":"door_state","badgeID":"B1","doorID":"porte-001"}`,
	} {
		if _, err := DecodeBadgeEvent("iot/badgeuse/r/events", []byte(payload)); !errors.Is(err, ErrNotBadgeEvent) {
			t.Errorf("DecodeBadgeEvent(%s) error = %v, want ErrNotBadgeEvent", payload, err)
		}
	}

	ev, err := DecodeBadgeEvent("iot/badgeuse/r/events", []byte(`{"type":"BADGE_EVENT","badgeID":"B1"}`))
	if err != nil || ev.BadgeID != "B1" {
		t.Errorf("DecodeBadgeEvent(badge_event) = %+v, %v", ev, err)
	}
}

func TestBadgeEvent_EncodeCanonicalNames(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body, err := BadgeEvent{ReaderID: "r1", BadgeID: "B1", DoorID: "p1", Success: true, Timestamp: ts}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"badgeID", "doorID", "timestamp", "success"} {
		if _, ok := m[key]; !ok {
			t.Errorf("encoded event missing %q: %s", key, body)
		}
	}
	if m["timestamp"] != "2026-03-01T10:00:00Z" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
}

func TestDecodeBadgeCommand(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantErr   error
		wantBadge string
		wantDoor  string
	}{
		{"cli body", `{"action":"simulate_badge","timestamp":"2026-03-01T10:00:00Z","badgeID":"B1"}`, nil, "B1", ""},
		{"type instead of action", `{"type":"badge_event","data":{"tag_id":"T2","door_id":"p2"}}`, nil, "T2", "p2"},
		{"default badge", `{"action":"BADGE"}`, nil, DefaultBadgeID, ""},
		{"unknown action", `{"action":"reboot"}`, ErrUnsupportedAction, "", ""},
		{"not json", `{`, ErrMalformed, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeBadgeCommand([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if cmd.BadgeID != tt.wantBadge || cmd.DoorID != tt.wantDoor {
				t.Errorf("got badge=%q door=%q", cmd.BadgeID, cmd.DoorID)
			}
		})
	}
}

func TestBadgeCommand_EncodeDecode(t *testing.T) {
	cmd := NewBadgeCommand("B9", "p9")
	cmd.Success = false

	body, err := cmd.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBadgeCommand(body)
	if err != nil {
		t.Fatalf("DecodeBadgeCommand(%s) error = %v", body, err)
	}
	if got.Action != ActionSimulateBadge || got.BadgeID != "B9" || got.DoorID != "p9" || got.Success {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeDoorCommand(t *testing.T) {
	cmd, err := DecodeDoorCommand([]byte(`{"action":"OPEN","source":"bridge","ts":"2026-03-01T10:00:00Z","data":{"badge_device_id":"r1","tag_id":"T1","success":true}}`))
	if err != nil {
		t.Fatalf("DecodeDoorCommand() error = %v", err)
	}
	if cmd.Action != ActionOpen || cmd.Source != "bridge" || cmd.ReaderID != "r1" || cmd.BadgeID != "T1" {
		t.Errorf("decoded = %+v", cmd)
	}

	if _, err := DecodeDoorCommand([]byte(`{"action":"explode"}`)); !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("unknown action error = %v", err)
	}
}

func TestDoorCommand_EncodeProvenance(t *testing.T) {
	body, err := DoorCommand{
		Action:    ActionOpen,
		DoorID:    "p1",
		Source:    SourceRelay,
		ReaderID:  "r1",
		BadgeID:   "B1",
		Success:   true,
		Timestamp: time.Now(),
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var m struct {
		Action string `json:"action"`
		DoorID string `json:"doorID"`
		Source string `json:"source"`
		Data   struct {
			ReaderID string `json:"readerID"`
			BadgeID  string `json:"badgeID"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if m.Action != "open" || m.DoorID != "p1" || m.Source != "relay" || m.Data.ReaderID != "r1" || m.Data.BadgeID != "B1" {
		t.Errorf("encoded = %s", body)
	}

	closeBody, _ := DoorCommand{Action: ActionClose, DoorID: "p1", Source: SourceRelay}.Encode()
	var raw map[string]any
	_ = json.Unmarshal(closeBody, &raw)
	if _, ok := raw["data"]; ok {
		t.Errorf("close without provenance should omit data: %s", closeBody)
	}
}

func TestDoorState_EncodeDecode(t *testing.T) {
	lc := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body, err := DoorState{DoorID: "p1", IsOpen: true, LastChange: lc, Timestamp: lc}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeDoorState(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.DoorID != "p1" || !got.IsOpen || !got.LastChange.Equal(lc) {
		t.Errorf("decoded = %+v from %s", got, body)
	}

	legacy, err := DecodeDoorState([]byte(`{"device_id":"p2","type":"door_state","ts":"2026-03-01T10:00:00+00:00","data":{"is_open":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	if legacy.DoorID != "p2" || legacy.IsOpen || !legacy.LastChange.IsZero() {
		t.Errorf("legacy decoded = %+v", legacy)
	}
}

func TestDecodeBadgeRequest(t *testing.T) {
	cmd, err := DecodeBadgeRequest(nil)
	if err != nil {
		t.Fatalf("DecodeBadgeRequest(empty) error = %v", err)
	}
	if cmd.BadgeID != DefaultBadgeID || !cmd.Success || cmd.DoorID != "" {
		t.Errorf("empty request = %+v", cmd)
	}

	cmd, err = DecodeBadgeRequest([]byte(`{"badge_id":"B9","door_id":"porte-009","success":false}`))
	if err != nil {
		t.Fatalf("DecodeBadgeRequest() error = %v", err)
	}
	if cmd.BadgeID != "B9" || cmd.DoorID != "porte-009" || cmd.Success {
		t.Errorf("request = %+v", cmd)
	}

	if _, err := DecodeBadgeRequest([]byte(`nope`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed error = %v", err)
	}
}

func TestNewMonitorEvent(t *testing.T) {
	a := NewMonitorEvent(EventDoorState, "porte-001", map[string]bool{"is_open": true})
	b := NewMonitorEvent(EventDoorState, "porte-001", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q, want distinct non-empty", a.ID, b.ID)
	}

	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "type", "timestamp", "device_id", "data"} {
		if _, ok := got[key]; !ok {
			t.Errorf("encoded event lacks %q: %s", key, raw)
		}
	}
}

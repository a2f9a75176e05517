package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

const waitTimeout = 2 * time.Second

func startDevice(t *testing.T, d Device) {
	t.Helper()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(d.Stop)
}

func decodeEvents(t *testing.T, msgs []mqtttest.Message) []message.BadgeEvent {
	t.Helper()
	out := make([]message.BadgeEvent, 0, len(msgs))
	for _, m := range msgs {
		ev, err := message.DecodeBadgeEvent(m.Topic, m.Payload)
		if err != nil {
			t.Fatalf("DecodeBadgeEvent(%s) error = %v", m.Payload, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestNew(t *testing.T) {
	broker := mqtttest.NewBroker()
	client := broker.NewClient("x")

	d, err := New(device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"}, client)
	if err != nil {
		t.Fatalf("New(reader) error = %v", err)
	}
	if d.Kind() != device.KindReader || d.Config().DoorID != "porte-001" {
		t.Errorf("reader = %s %+v", d.Kind(), d.Config())
	}

	d, err = New(device.KindDoor, "porte-001", device.Config{DoorID: "ignored"}, client)
	if err != nil {
		t.Fatalf("New(door) error = %v", err)
	}
	if d.Config().DoorID != "" {
		t.Errorf("door config = %+v, want empty", d.Config())
	}

	if _, err := New("lamp", "x", device.Config{}, client); !errors.Is(err, device.ErrInvalidKind) {
		t.Errorf("New(lamp) error = %v", err)
	}
	if _, err := New(device.KindDoor, "", device.Config{}, client); !errors.Is(err, device.ErrInvalidID) {
		t.Errorf("New(empty id) error = %v", err)
	}
	if _, err := New(device.KindDoor, "porte-001", device.Config{}, nil); !errors.Is(err, ErrNoClient) {
		t.Errorf("New(nil client) error = %v", err)
	}
}

func TestReader_CommandPublishesEvent(t *testing.T) {
	broker := mqtttest.NewBroker()
	r := NewReader("badgeuse-001", "porte-001", broker.NewClient("badgeuse-001"))
	startDevice(t, r)

	broker.Inject("iot/badgeuse/badgeuse-001/commands",
		[]byte(`{"action":"simulate_badge","badgeID":"B-1"}`), false)

	msgs, ok := broker.Wait("iot/badgeuse/badgeuse-001/events", 1, waitTimeout)
	if !ok {
		t.Fatal("no badge event published")
	}
	ev := decodeEvents(t, msgs)[0]
	if ev.BadgeID != "B-1" || ev.DoorID != "porte-001" || !ev.Success || ev.ReaderID != "badgeuse-001" {
		t.Errorf("event = %+v", ev)
	}
}

func TestReader_IgnoresOtherReadersAndBadCommands(t *testing.T) {
	broker := mqtttest.NewBroker()
	r := NewReader("badgeuse-001", "", broker.NewClient("badgeuse-001"))
	startDevice(t, r)

	broker.Inject("iot/badgeuse/badgeuse-002/commands", []byte(`{"action":"badge"}`), false)
	broker.Inject("iot/badgeuse/badgeuse-001/commands", []byte(`{"action":"reboot"}`), false)
	broker.Inject("iot/badgeuse/badgeuse-001/commands", []byte(`garbage`), false)
	// Marker processed after the three above: the subscription is ordered.
	broker.Inject("iot/badgeuse/badgeuse-001/commands", []byte(`{"type":"badge_event","tag_id":"MARK"}`), false)

	msgs, ok := broker.Wait("iot/badgeuse/+/events", 1, waitTimeout)
	if !ok {
		t.Fatal("marker event not published")
	}
	time.Sleep(20 * time.Millisecond)
	msgs = broker.Published("iot/badgeuse/+/events")
	if len(msgs) != 1 {
		t.Fatalf("published %d events, want only the marker", len(msgs))
	}
	if ev := decodeEvents(t, msgs)[0]; ev.BadgeID != "MARK" || ev.DoorID != "" {
		t.Errorf("marker event = %+v", ev)
	}
}

func TestReader_HTTPBadge(t *testing.T) {
	broker := mqtttest.NewBroker()
	client := broker.NewClient("badgeuse-001")
	r := NewReader("badgeuse-001", "porte-001", client)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/badge", "application/json",
		strings.NewReader(`{"badgeID":"B-7","doorID":"porte-009","success":false}`))
	if err != nil {
		t.Fatalf("POST /badge error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /badge status = %d", resp.StatusCode)
	}
	ev := decodeEvents(t, broker.Published("iot/badgeuse/badgeuse-001/events"))[0]
	if ev.BadgeID != "B-7" || ev.DoorID != "porte-009" || ev.Success {
		t.Errorf("event = %+v", ev)
	}

	// Empty body: default badge, configured door.
	resp, err = http.Post(srv.URL+"/badge", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /badge error = %v", err)
	}
	resp.Body.Close()
	events := decodeEvents(t, broker.Published("iot/badgeuse/badgeuse-001/events"))
	if last := events[len(events)-1]; last.BadgeID != message.DefaultBadgeID || last.DoorID != "porte-001" {
		t.Errorf("default event = %+v", last)
	}

	resp, err = http.Post(srv.URL+"/badge", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("POST /badge error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}

	client.SetConnected(false)
	resp, err = http.Post(srv.URL+"/badge", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /badge error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("disconnected status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthFollowsConnection(t *testing.T) {
	broker := mqtttest.NewBroker()
	client := broker.NewClient("porte-001")
	d := NewDoor("porte-001", client)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	get := func() int {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health error = %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get(); code != http.StatusOK {
		t.Errorf("connected health = %d, want 200", code)
	}
	client.SetConnected(false)
	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("disconnected health = %d, want 503", code)
	}
}

func TestDoor_CommandsAndRetainedState(t *testing.T) {
	broker := mqtttest.NewBroker()
	d := NewDoor("porte-001", broker.NewClient("porte-001"))
	startDevice(t, d)

	// Initial retained state on connect.
	if _, ok := broker.Wait("iot/porte/porte-001/state", 1, waitTimeout); !ok {
		t.Fatal("no initial state published")
	}

	broker.Inject("iot/porte/porte-001/commands", []byte(`{"action":"open","source":"relay"}`), false)
	broker.Inject("iot/porte/porte-001/commands", []byte(`{"action":"toggle","doorID":"porte-999"}`), false)
	broker.Inject("iot/porte/porte-001/commands", []byte(`{"action":"explode"}`), false)
	broker.Inject("iot/porte/porte-001/commands", []byte(`{"action":"toggle","doorID":"porte-001"}`), false)

	msgs, ok := broker.Wait("iot/porte/porte-001/state", 3, waitTimeout)
	if !ok {
		t.Fatalf("state publications = %d, want 3", len(msgs))
	}
	time.Sleep(20 * time.Millisecond)
	if n := broker.Count("iot/porte/porte-001/state"); n != 3 {
		t.Errorf("state publications = %d, want 3 (initial, open, toggle)", n)
	}

	retained, ok := broker.Retained("iot/porte/porte-001/state")
	if !ok {
		t.Fatal("no retained state")
	}
	st, err := message.DecodeDoorState(retained.Payload)
	if err != nil {
		t.Fatalf("DecodeDoorState() error = %v", err)
	}
	if st.IsOpen || st.DoorID != "porte-001" {
		t.Errorf("retained state = %+v, want closed porte-001", st)
	}
	if !retained.Retained {
		t.Error("state was not published retained")
	}
}

func TestDoor_RepublishesOnReconnect(t *testing.T) {
	broker := mqtttest.NewBroker()
	client := broker.NewClient("porte-001")
	d := NewDoor("porte-001", client)
	startDevice(t, d)

	if _, ok := broker.Wait("iot/porte/porte-001/state", 1, waitTimeout); !ok {
		t.Fatal("no initial state published")
	}

	client.SetConnected(false)
	client.SetConnected(true)

	if _, ok := broker.Wait("iot/porte/porte-001/state", 2, waitTimeout); !ok {
		t.Error("state not republished after reconnect")
	}
}

func TestDoor_HTTPActions(t *testing.T) {
	broker := mqtttest.NewBroker()
	d := NewDoor("porte-001", broker.NewClient("porte-001"))
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	post := func(path string) (int, stateResponse) {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		defer resp.Body.Close()
		var body stateResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	if code, body := post("/open"); code != http.StatusOK || !body.IsOpen {
		t.Errorf("POST /open = %d %+v", code, body)
	}
	if code, body := post("/toggle"); code != http.StatusOK || body.IsOpen {
		t.Errorf("POST /toggle = %d %+v", code, body)
	}
	if code, _ := post("/unlock"); code != http.StatusBadRequest {
		t.Errorf("POST /unlock = %d, want 400", code)
	}

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state error = %v", err)
	}
	defer resp.Body.Close()
	var st stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.IsOpen || st.DeviceID != "porte-001" || st.LastChange.IsZero() {
		t.Errorf("GET /state = %+v", st)
	}

	// HTTP changes publish retained state too.
	if n := broker.Count("iot/porte/porte-001/state"); n != 2 {
		t.Errorf("state publications = %d, want 2", n)
	}
}

func TestStartTwice(t *testing.T) {
	broker := mqtttest.NewBroker()
	d := NewDoor("porte-001", broker.NewClient("porte-001"))
	startDevice(t, d)
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}
}

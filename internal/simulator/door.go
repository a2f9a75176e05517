package simulator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/door"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// Door simulates a door.
//
// Commands arrive on the door's command topic or its HTTP surface and are
// applied through one door.Actuator, so both paths are serialized. Every
// change, and every (re)connection to the bus, publishes the retained state.
type Door struct {
	base
	act *door.Actuator
	now func() time.Time
}

// NewDoor creates a closed door.
func NewDoor(id string, client MQTTClient) *Door {
	d := &Door{
		base: newBase(id, device.KindDoor, client),
		act:  door.NewActuator(),
		now:  time.Now,
	}
	d.act.OnChange(func(s door.State) {
		d.publishState(s)
	})
	return d
}

// Config returns the zero configuration; doors have none.
func (d *Door) Config() device.Config {
	return device.Config{}
}

// Start subscribes to the door's command topic and publishes the retained
// state whenever the bus connection is (re)established.
func (d *Door) Start(ctx context.Context) error {
	return d.start(ctx, d.topics.DoorCommands(d.id), d.handleCommand, d.announce)
}

// Stop unsubscribes from the command topic.
func (d *Door) Stop() {
	d.end(d.topics.DoorCommands(d.id))
}

// State returns the current door state.
func (d *Door) State() door.State {
	return d.act.State()
}

// Apply performs action on the door.
func (d *Door) Apply(action door.Action) (door.State, error) {
	s, err := d.act.Apply(action)
	if err != nil {
		return s, err
	}
	d.logger.Info("door state changed", "device_id", d.id, "action", action, "is_open", s.IsOpen)
	return s, nil
}

// announce publishes the state once per bus session.
func (d *Door) announce(ctx context.Context) {
	st := d.client.State()
	var announced uint64
	for {
		changed := st.Changed()
		if session := st.Sessions(); st.Connected() && session != announced {
			d.act.Inspect(d.publishState)
			announced = session
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (d *Door) publishState(s door.State) {
	payload, err := message.DoorState{
		DoorID:     d.id,
		IsOpen:     s.IsOpen,
		LastChange: s.LastChange,
		Timestamp:  d.now(),
	}.Encode()
	if err != nil {
		d.logger.Error("encoding door state", "device_id", d.id, "error", err)
		return
	}
	if err := d.client.Publish(d.topics.DoorState(d.id), payload, d.qos, true); err != nil {
		d.logger.Warn("door state not published", "device_id", d.id, "error", err)
	}
}

// handleCommand applies a bus command unless it is addressed to another door.
func (d *Door) handleCommand(_ string, payload []byte) error {
	cmd, err := message.DecodeDoorCommand(payload)
	if err != nil {
		d.logger.Debug("ignoring door command", "device_id", d.id, "error", err)
		return nil
	}
	if cmd.DoorID != "" && cmd.DoorID != d.id {
		d.logger.Debug("ignoring command for another door", "device_id", d.id, "door_id", cmd.DoorID)
		return nil
	}

	action, err := door.ParseAction(cmd.Action)
	if err != nil {
		return nil
	}
	if _, err := d.Apply(action); err != nil {
		d.logger.Warn("door command failed", "device_id", d.id, "error", err)
	}
	return nil
}

// Handler serves GET /health, GET /state and POST /{action}.
func (d *Door) Handler() http.Handler {
	router := chi.NewRouter()
	d.routes(router)
	router.Get("/state", d.handleState)
	router.Post("/{action}", d.handleAction)
	return router
}

type stateResponse struct {
	DeviceID   string    `json:"device_id"`
	IsOpen     bool      `json:"is_open"`
	LastChange time.Time `json:"last_change"`
}

func (d *Door) handleState(w http.ResponseWriter, _ *http.Request) {
	s := d.act.State()
	writeJSON(w, http.StatusOK, stateResponse{DeviceID: d.id, IsOpen: s.IsOpen, LastChange: s.LastChange})
}

func (d *Door) handleAction(w http.ResponseWriter, r *http.Request) {
	action, err := door.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "action must be open, close or toggle")
		return
	}

	s, err := d.Apply(action)
	if errors.Is(err, door.ErrInvalidAction) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{DeviceID: d.id, IsOpen: s.IsOpen, LastChange: s.LastChange})
}

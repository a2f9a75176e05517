package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/message"
	"github.com/nerrad567/gray-logic-access/internal/relay"
)

// ManualOverride is the monitoring payload of a manual door open.
type ManualOverride struct {
	DoorID string `json:"doorID"`
	Action string `json:"action"`
}

// handleRelay returns the relay configuration and counters.
func (s *Server) handleRelay(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"config":  s.relay.Config(),
		"stats":   s.relay.Stats(),
	})
}

// handleManualOpen opens a door through the relay, bypassing debounce.
// The door's auto-close still applies.
func (s *Server) handleManualOpen(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "relay not running")
		return
	}
	doorID := chi.URLParam(r, "doorID")

	err := s.relay.OpenDoor(doorID)
	switch {
	case errors.Is(err, relay.ErrInvalidDoor):
		writeBadRequest(w, err.Error())
		return
	case errors.Is(err, relay.ErrQueueFull):
		writeUnavailable(w, "relay queue full, retry later")
		return
	case errors.Is(err, relay.ErrNotRunning):
		writeUnavailable(w, "relay not running")
		return
	case err != nil:
		writeInternalError(w, "manual open failed")
		return
	}

	override := ManualOverride{DoorID: doorID, Action: s.relay.Config().OpenAction}
	s.hub.Broadcast(message.EventManualOverride, message.NewMonitorEvent(message.EventManualOverride, doorID, override))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "door_id": doorID})
}

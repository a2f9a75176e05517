package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// maxProxyResponse caps how much of a unit's answer is relayed back.
const maxProxyResponse = 1 << 20

// EnsureRequest is the body of POST /devices.
type EnsureRequest struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id"`
	DoorID   string `json:"door_id,omitempty"`
}

// ProxyResponse wraps what a unit answered to a proxied call.
type ProxyResponse struct {
	Status int `json:"status"`
	Data   any `json:"data"`
}

// handleListDevices returns every device, probed once each.
//
// Query parameters:
//   - kind: badgeuse|porte (or reader|door) to filter
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var kind device.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := device.ParseKind(k)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		kind = parsed
	}

	devices := s.registry.List(r.Context(), kind)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupDevice(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEnsureDevice reconciles a device and waits for it to become ready.
// A device that is not ready in time is still returned with 200 and
// ready=false.
func (s *Server) handleEnsureDevice(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	kind, err := device.ParseKind(req.Kind)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	st, err := s.registry.Ensure(r.Context(), kind, strings.TrimSpace(req.DeviceID), device.Config{DoorID: req.DoorID})
	switch {
	case errors.Is(err, device.ErrInvalidID), errors.Is(err, device.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, device.ErrImageNotFound):
		writeError(w, http.StatusNotFound, ErrCodeImageMissing,
			fmt.Sprintf("no unit image for %s: build or pull it first", kind))
		return
	case err != nil:
		s.logger.Error("ensure failed", "device_id", req.DeviceID, "kind", kind, "error", err)
		writeInternalError(w, "failed to ensure device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"device": st})
}

// handleDeleteDevice stops a device's unit and forgets it.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := s.registry.Remove(r.Context(), id)
	if err != nil {
		s.logger.Error("remove failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to remove device")
		return
	}
	if !removed {
		writeNotFound(w, "device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceHealth relays the unit's own health endpoint.
func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupDevice(w, r, "")
	if !ok {
		return
	}
	if st.HealthURL == "" {
		writeUnavailable(w, "device has no reachable unit")
		return
	}
	s.forward(r.Context(), w, http.MethodGet, st.HealthURL, nil)
}

// handleBadge simulates a scan on a reader through its HTTP surface.
// The request body (badgeID, doorID, success) is passed through.
func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupDevice(w, r, device.KindReader)
	if !ok {
		return
	}
	if !st.Ready {
		writeUnavailable(w, "reader not ready")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	s.forward(r.Context(), w, http.MethodPost, st.BaseURL()+"/badge", body)
}

// handleDoorAction opens, closes or toggles a door through its HTTP surface.
func (s *Server) handleDoorAction(w http.ResponseWriter, r *http.Request) {
	action := strings.ToLower(chi.URLParam(r, "action"))
	if !message.ValidDoorAction(action) {
		writeBadRequest(w, "invalid action: use open, close or toggle")
		return
	}

	st, ok := s.lookupDevice(w, r, device.KindDoor)
	if !ok {
		return
	}
	if !st.Ready {
		writeUnavailable(w, "door not ready")
		return
	}
	s.forward(r.Context(), w, http.MethodPost, st.BaseURL()+"/"+action, nil)
}

// lookupDevice resolves the {id} URL parameter, optionally requiring a
// kind. It writes the error response itself and reports whether the
// handler should continue.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request, kind device.Kind) (device.Status, bool) {
	id := chi.URLParam(r, "id")

	st, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, notFoundMessage(kind))
			return device.Status{}, false
		}
		writeInternalError(w, "failed to get device")
		return device.Status{}, false
	}
	if kind != "" && st.Kind != kind {
		writeNotFound(w, notFoundMessage(kind))
		return device.Status{}, false
	}
	return st, true
}

func notFoundMessage(kind device.Kind) string {
	switch kind {
	case device.KindReader:
		return "reader not found"
	case device.KindDoor:
		return "door not found"
	}
	return "device not found"
}

// forward calls a unit and relays its answer as a ProxyResponse with the
// unit's status code. Transport failures map to 502.
func (s *Server) forward(ctx context.Context, w http.ResponseWriter, method, url string, body []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		writeInternalError(w, "building unit request")
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.proxy.Do(req)
	if err != nil {
		s.logger.Warn("unit call failed", "method", method, "url", url, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "unit unreachable")
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyResponse))
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "reading unit response")
		return
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	writeJSON(w, resp.StatusCode, ProxyResponse{Status: resp.StatusCode, Data: data})
}

package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// maxBadgeBody bounds POST /badge request bodies.
const maxBadgeBody = 64 << 10

// Reader simulates a badge reader.
//
// It listens on the shared reader command pattern and acts only on commands
// whose topic names this reader. A scan, from the bus or from POST /badge,
// is published on the reader's events topic; a scan without a door falls
// back to the reader's configured door.
type Reader struct {
	base
	doorID string
	now    func() time.Time
}

// NewReader creates a reader. doorID may be empty.
func NewReader(id, doorID string, client MQTTClient) *Reader {
	return &Reader{
		base:   newBase(id, device.KindReader, client),
		doorID: doorID,
		now:    time.Now,
	}
}

// Config returns the reader's door association.
func (r *Reader) Config() device.Config {
	return device.Config{DoorID: r.doorID}
}

// Start subscribes to reader commands.
func (r *Reader) Start(ctx context.Context) error {
	return r.start(ctx, r.topics.AllReaderCommands(), r.handleCommand, nil)
}

// Stop unsubscribes from reader commands.
func (r *Reader) Stop() {
	r.end(r.topics.AllReaderCommands())
}

// handleCommand turns a badge command addressed to this reader into a scan.
func (r *Reader) handleCommand(topic string, payload []byte) error {
	dt, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || dt.DeviceID != r.id {
		return nil
	}

	cmd, err := message.DecodeBadgeCommand(payload)
	if err != nil {
		r.logger.Debug("ignoring reader command", "device_id", r.id, "error", err)
		return nil
	}

	if _, err := r.Scan(cmd.BadgeID, cmd.DoorID, cmd.Success); err != nil {
		r.logger.Warn("badge scan not published", "device_id", r.id, "error", err)
	}
	return nil
}

// Scan publishes a badge event.
//
// Parameters:
//   - badgeID: Badge presented; empty selects message.DefaultBadgeID
//   - doorID: Target door; empty selects the configured door
//   - success: Whether the reader accepted the badge
//
// Returns:
//   - message.BadgeEvent: The published event
//   - error: mqtt.ErrNotConnected or a publish failure
func (r *Reader) Scan(badgeID, doorID string, success bool) (message.BadgeEvent, error) {
	if badgeID == "" {
		badgeID = message.DefaultBadgeID
	}
	if doorID == "" {
		doorID = r.doorID
	}
	ev := message.BadgeEvent{
		ReaderID:  r.id,
		BadgeID:   badgeID,
		DoorID:    doorID,
		Success:   success,
		Timestamp: r.now(),
	}

	if !r.client.IsConnected() {
		return ev, mqtt.ErrNotConnected
	}

	payload, err := ev.Encode()
	if err != nil {
		return ev, fmt.Errorf("encoding badge event: %w", err)
	}
	if err := r.client.Publish(r.topics.ReaderEvents(r.id), payload, r.qos, false); err != nil {
		return ev, err
	}

	r.logger.Info("badge scanned", "device_id", r.id, "badge_id", badgeID, "door_id", doorID, "success", success)
	return ev, nil
}

// Handler serves GET /health, GET / and POST /badge.
func (r *Reader) Handler() http.Handler {
	router := chi.NewRouter()
	r.routes(router)
	router.Get("/", r.handleInfo)
	router.Post("/badge", r.handleBadge)
	return router
}

func (r *Reader) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": r.id,
		"kind":      r.kind,
		"door_id":   r.doorID,
		"connected": r.client.IsConnected(),
	})
}

func (r *Reader) handleBadge(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBadgeBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "reading request body")
		return
	}

	cmd, err := message.DecodeBadgeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ev, err := r.Scan(cmd.BadgeID, cmd.DoorID, cmd.Success)
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "reader not connected to the bus")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "publishing badge event failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "published",
		"topic":  r.topics.ReaderEvents(r.id),
		"event":  ev,
	})
}

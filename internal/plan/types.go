package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// maxFloorIDLength bounds floor ids.
const maxFloorIDLength = 128

// Plan is one floor plan: an opaque JSON document drawn by the operator UI
// and stored under its floor id.
type Plan struct {
	FloorID   string          `json:"floor_id"`
	Name      string          `json:"name,omitempty"`
	Document  json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ValidateFloorID checks that id is non-empty, bounded and free of path
// separators and control characters.
func ValidateFloorID(id string) error {
	if id == "" || len(id) > maxFloorIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidFloorID, id)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidFloorID, id)
		}
	}
	return nil
}

// New builds a plan from a raw document. The document must be a JSON
// object; a string "name" member, if present, becomes the plan name.
func New(floorID string, document []byte) (Plan, error) {
	if err := ValidateFloorID(floorID); err != nil {
		return Plan{}, err
	}

	trimmed := bytes.TrimSpace(document)
	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil || members == nil {
		return Plan{}, ErrInvalidDocument
	}

	p := Plan{FloorID: floorID, Document: json.RawMessage(trimmed)}
	if raw, ok := members["name"]; ok {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			p.Name = name
		}
	}
	return p, nil
}

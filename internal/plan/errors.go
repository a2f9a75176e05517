package plan

import "errors"

var (
	// ErrPlanNotFound is returned when no plan exists for a floor id.
	ErrPlanNotFound = errors.New("plan: not found")

	// ErrInvalidFloorID is returned for empty or malformed floor ids.
	ErrInvalidFloorID = errors.New("plan: invalid floor id")

	// ErrInvalidDocument is returned when a plan body is not a JSON object.
	ErrInvalidDocument = errors.New("plan: document must be a JSON object")
)

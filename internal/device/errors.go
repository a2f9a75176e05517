package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID has no record.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnitNotFound is returned by a Runtime when no backing unit exists.
	ErrUnitNotFound = errors.New("device: backing unit not found")

	// ErrImageNotFound is returned by a Runtime when the artefact a unit is
	// started from (container image, binary) is missing.
	ErrImageNotFound = errors.New("device: unit image not found")

	// ErrInvalidKind is returned when a kind value is not recognised.
	ErrInvalidKind = errors.New("device: invalid kind")

	// ErrInvalidID is returned when a device ID is empty or malformed.
	ErrInvalidID = errors.New("device: invalid id")
)

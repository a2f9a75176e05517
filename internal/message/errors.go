package message

import "errors"

var (
	// ErrMalformed is returned for payloads that are not a JSON object.
	ErrMalformed = errors.New("message: malformed payload")

	// ErrNotBadgeEvent is returned for reader envelopes of another type.
	ErrNotBadgeEvent = errors.New("message: not a badge event")

	// ErrUnsupportedAction is returned when a command carries an unknown action.
	ErrUnsupportedAction = errors.New("message: unsupported action")
)

package relay

import "errors"

// Domain errors for the relay package.
var (
	// ErrMQTTUnavailable is returned when the relay has no bus client.
	ErrMQTTUnavailable = errors.New("relay: MQTT client not available")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("relay: already running")

	// ErrNotRunning is returned for commands sent to a stopped relay.
	ErrNotRunning = errors.New("relay: not running")

	// ErrInvalidDoor is returned when a door id cannot be used in a topic.
	ErrInvalidDoor = errors.New("relay: invalid door id")

	// ErrQueueFull is returned when a manual command cannot be queued.
	ErrQueueFull = errors.New("relay: outbound queue full")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("relay: invalid configuration")
)

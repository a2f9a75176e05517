package mqtt

import "errors"

// Sentinel errors of the bus client, matched with errors.Is. The in-memory
// broker in mqtttest returns the same values.
var (
	// ErrNotConnected is returned while the broker is unreachable. Callers
	// log it and carry on; the client reconnects by itself.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when Connect cannot reach the broker.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic is returned for an empty topic, or for a publish
	// topic holding the + or # wildcards, which brokers answer by
	// dropping the connection.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

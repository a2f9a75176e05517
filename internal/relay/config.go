package relay

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// Default relay settings.
const (
	DefaultDebounce  = 2 * time.Second
	DefaultAutoClose = 5 * time.Second
	DefaultQueueSize = 64
)

// Config holds the relay's routing and timing settings.
type Config struct {
	// EventsTopic is the subscription pattern for reader events.
	EventsTopic string `json:"events_topic"`

	// DoorCommandFormat builds a door command topic; "{door_id}" is substituted.
	DoorCommandFormat string `json:"door_command_format"`

	// OpenAction is published on an accepted badge: open or toggle.
	OpenAction string `json:"open_action"`

	// AutoClose is the delay before an automatic close. Zero disables it.
	AutoClose time.Duration `json:"auto_close"`

	// Debounce is the minimum time between two accepted triggers for a door.
	Debounce time.Duration `json:"debounce"`

	// DoorMap statically associates reader ids with door ids.
	DoorMap map[string]string `json:"door_map,omitempty"`

	QueueSize int  `json:"queue_size"`
	QoS       byte `json:"qos"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	var topics mqtt.Topics
	return Config{
		EventsTopic:       topics.AllReaderEvents(),
		DoorCommandFormat: topics.DoorCommandsFormat(),
		OpenAction:        message.ActionOpen,
		AutoClose:         DefaultAutoClose,
		Debounce:          DefaultDebounce,
		QueueSize:         DefaultQueueSize,
		QoS:               1,
	}
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(c config.RelayConfig, qos int) Config {
	cfg := DefaultConfig()
	if c.EventsTopic != "" {
		cfg.EventsTopic = c.EventsTopic
	}
	if c.DoorCommandFormat != "" {
		cfg.DoorCommandFormat = c.DoorCommandFormat
	}
	if c.OpenAction != "" {
		cfg.OpenAction = strings.ToLower(c.OpenAction)
	}
	cfg.AutoClose = c.AutoClose
	cfg.Debounce = c.Debounce
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	cfg.DoorMap = maps.Clone(c.DoorMap)
	cfg.QoS = byte(qos) //nolint:gosec // validated 0..2 by config
	return cfg
}

func (c Config) validate() error {
	if !strings.Contains(c.DoorCommandFormat, mqtt.DoorIDPlaceholder) {
		return fmt.Errorf("%w: door command format %q lacks %s",
			ErrInvalidConfig, c.DoorCommandFormat, mqtt.DoorIDPlaceholder)
	}
	if c.OpenAction != message.ActionOpen && c.OpenAction != message.ActionToggle {
		return fmt.Errorf("%w: open action %q", ErrInvalidConfig, c.OpenAction)
	}
	if c.EventsTopic == "" {
		return fmt.Errorf("%w: empty events topic", ErrInvalidConfig)
	}
	if c.AutoClose < 0 || c.Debounce < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Runtime modes select the Backing-Unit Runtime implementation.
const (
	RuntimeWorker  = "worker"
	RuntimeDocker  = "docker"
	RuntimeProcess = "process"
)

// Config is the root configuration structure for the access simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Relay     RelayConfig     `yaml:"relay"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"   env:"GRAYLOGIC_SITE_ID"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings (floor plan storage).
type DatabaseConfig struct {
	Path        string `yaml:"path"         env:"GRAYLOGIC_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"      env:"GRAYLOGIC_MQTT_HOST"`
	Port     int    `yaml:"port"      env:"GRAYLOGIC_MQTT_PORT"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id" env:"GRAYLOGIC_MQTT_CLIENT_ID"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"GRAYLOGIC_MQTT_USERNAME"`
	Password string `yaml:"password" env:"GRAYLOGIC_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host" env:"GRAYLOGIC_API_HOST"`
	Port     int              `yaml:"port" env:"GRAYLOGIC_API_PORT"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains monitoring stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"GRAYLOGIC_LOG_LEVEL"`
	Format string `yaml:"format" env:"GRAYLOGIC_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// RuntimeConfig selects and configures the Backing-Unit Runtime.
type RuntimeConfig struct {
	// Mode is one of "worker", "docker" or "process".
	Mode string `yaml:"mode" env:"GRAYLOGIC_RUNTIME_MODE"`

	Docker  DockerRuntimeConfig  `yaml:"docker"`
	Process ProcessRuntimeConfig `yaml:"process"`
}

// DockerRuntimeConfig configures container-backed units.
type DockerRuntimeConfig struct {
	ReaderImage string `yaml:"reader_image" env:"GRAYLOGIC_IMAGE_BADGEUSE"`
	DoorImage   string `yaml:"door_image"   env:"GRAYLOGIC_IMAGE_PORTE"`

	// Network is the docker network units join. Units are addressed by
	// container name on this network.
	Network string `yaml:"network" env:"GRAYLOGIC_DOCKER_NETWORK"`

	// UnitMQTTHost is the broker host as seen from inside a container.
	UnitMQTTHost string `yaml:"unit_mqtt_host" env:"GRAYLOGIC_UNIT_MQTT_HOST"`
	UnitMQTTPort int    `yaml:"unit_mqtt_port"`
}

// ProcessRuntimeConfig configures subprocess-backed units.
type ProcessRuntimeConfig struct {
	Binary   string `yaml:"binary"    env:"GRAYLOGIC_DEVICE_BINARY"`
	StateDir string `yaml:"state_dir" env:"GRAYLOGIC_PROCESS_STATE_DIR"`
	BasePort int    `yaml:"base_port"`

	RestartOnFailure   bool          `yaml:"restart_on_failure"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	GracefulTimeout    time.Duration `yaml:"graceful_timeout"`
}

// ReadinessConfig contains readiness probing budgets.
type ReadinessConfig struct {
	EnsureTimeout time.Duration `yaml:"ensure_timeout" env:"GRAYLOGIC_READY_TIMEOUT"`
	ListTimeout   time.Duration `yaml:"list_timeout"`
	ProxyTimeout  time.Duration `yaml:"proxy_timeout"`
	Interval      time.Duration `yaml:"interval"`
}

// RelayConfig configures the badge-to-door relay.
type RelayConfig struct {
	Enabled bool `yaml:"enabled" env:"GRAYLOGIC_RELAY_ENABLED"`

	// EventsTopic is the subscription pattern for reader events.
	EventsTopic string `yaml:"events_topic" env:"BADGE_EVENTS_TOPIC"`

	// DoorCommandFormat builds a door command topic; "{door_id}" is substituted.
	DoorCommandFormat string `yaml:"door_command_format" env:"DOOR_CMDS_FMT"`

	// OpenAction is the action published on an accepted badge: "open" or "toggle".
	OpenAction string `yaml:"open_action" env:"OPEN_ACTION"`

	// AutoClose is the delay before an automatic close. Zero disables it.
	AutoClose time.Duration `yaml:"auto_close" env:"AUTO_CLOSE"`

	// Debounce is the minimum time between two accepted triggers for a door.
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`

	// DoorMap statically associates reader ids with door ids.
	DoorMap map[string]string `yaml:"door_map"`

	QueueSize int `yaml:"queue_size"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnv builds a configuration from defaults and environment variables only.
// Used when no config file is present.
func LoadEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Access Simulator",
		},
		Database: DatabaseConfig{
			Path:        "./data/access.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-access",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     5,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 9002,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Runtime: RuntimeConfig{
			Mode: RuntimeWorker,
			Docker: DockerRuntimeConfig{
				ReaderImage:  "iot-badgeuse:latest",
				DoorImage:    "iot-porte:latest",
				UnitMQTTHost: "host.docker.internal",
				UnitMQTTPort: 1883,
			},
			Process: ProcessRuntimeConfig{
				Binary:             "./bin/iotdevice",
				StateDir:           "./data/units",
				BasePort:           18000,
				RestartOnFailure:   true,
				RestartDelay:       2 * time.Second,
				MaxRestartAttempts: 5,
				GracefulTimeout:    5 * time.Second,
			},
		},
		Readiness: ReadinessConfig{
			EnsureTimeout: 10 * time.Second,
			ListTimeout:   20 * time.Millisecond,
			ProxyTimeout:  6 * time.Second,
			Interval:      400 * time.Millisecond,
		},
		Relay: RelayConfig{
			Enabled:           true,
			EventsTopic:       "iot/badgeuse/+/events",
			DoorCommandFormat: "iot/porte/{door_id}/commands",
			OpenAction:        "open",
			AutoClose:         5 * time.Second,
			Debounce:          2 * time.Second,
			QueueSize:         64,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Only variables that are set replace file values.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	switch c.Runtime.Mode {
	case RuntimeWorker, RuntimeDocker, RuntimeProcess:
	default:
		errs = append(errs, "runtime.mode must be worker, docker, or process")
	}

	if c.Readiness.EnsureTimeout <= 0 {
		errs = append(errs, "readiness.ensure_timeout must be positive")
	}
	if c.Readiness.ListTimeout <= 0 || c.Readiness.ListTimeout > time.Second {
		errs = append(errs, "readiness.list_timeout must be between 0 and 1s")
	}
	if c.Readiness.Interval <= 0 {
		errs = append(errs, "readiness.interval must be positive")
	}

	if c.Relay.Enabled {
		if !strings.Contains(c.Relay.DoorCommandFormat, "{door_id}") {
			errs = append(errs, "relay.door_command_format must contain {door_id}")
		}
		if c.Relay.OpenAction != "open" && c.Relay.OpenAction != "toggle" {
			errs = append(errs, "relay.open_action must be open or toggle")
		}
		if c.Relay.AutoClose < 0 || c.Relay.Debounce < 0 {
			errs = append(errs, "relay durations must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Gray Logic Access - building access simulator orchestrator.
//
// This binary runs the device registry, the badge-to-door relay and the
// HTTP API in one process. Simulated badge readers and doors are backed by
// goroutines, containers or supervised iotdevice processes depending on
// runtime.mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-access/internal/api"
	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/plan"
	"github.com/nerrad567/gray-logic-access/internal/readiness"
	"github.com/nerrad567/gray-logic-access/internal/relay"
	"github.com/nerrad567/gray-logic-access/internal/runtime/docker"
	"github.com/nerrad567/gray-logic-access/internal/runtime/process"
	"github.com/nerrad567/gray-logic-access/internal/runtime/worker"
	"github.com/nerrad567/gray-logic-access/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Access",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Floor plans
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema", schema)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	rt, closeRuntime, err := newRuntime(cfg, log)
	if err != nil {
		return fmt.Errorf("creating %s runtime: %w", cfg.Runtime.Mode, err)
	}
	defer func() {
		log.Info("stopping runtime", "mode", cfg.Runtime.Mode)
		closeRuntime()
	}()

	prober := readiness.New(cfg.Readiness)
	prober.SetLogger(log.Component("readiness"))

	registry := device.NewRegistry(rt, prober, device.Options{
		EnsureTimeout: cfg.Readiness.EnsureTimeout,
		ListTimeout:   cfg.Readiness.ListTimeout,
	})
	registry.SetLogger(log.Component("registry"))

	adopted, err := registry.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding device registry: %w", err)
	}
	log.Info("device registry initialised", "adopted", adopted, "runtime", cfg.Runtime.Mode)

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	var rel *relay.Relay
	if cfg.Relay.Enabled {
		rel, err = startRelay(ctx, cfg, mqttClient, registry, hub, log)
		if err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
		defer func() {
			log.Info("stopping relay")
			rel.Stop()
		}()
	} else {
		log.Info("relay disabled")
	}

	srv, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Readiness: cfg.Readiness,
		Logger:    log.Component("api"),
		Registry:  registry,
		Relay:     rel,
		Plans:     plan.NewSQLiteRepository(db.DB),
		MQTT:      mqttClient,
		Hub:       hub,
		Runtime:   cfg.Runtime.Mode,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, srv); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "address", srv.Addr())

	<-ctx.Done()

	// Deferred closes run in reverse: API, relay, runtime, MQTT, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the YAML file at path. A missing default file falls
// back to defaults plus environment overrides, so the service can run from
// environment alone in a container.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.LoadEnv()
		}
	}
	return config.Load(path)
}

// newRuntime builds the Backing-Unit Runtime selected by runtime.mode.
//
// Returns:
//   - device.Runtime: the runtime
//   - func(): releases the runtime on shutdown
//   - error: if the runtime cannot be created
func newRuntime(cfg *config.Config, log *logging.Logger) (device.Runtime, func(), error) {
	switch cfg.Runtime.Mode {
	case config.RuntimeWorker:
		rt := worker.New(unitDialer(cfg.MQTT))
		rt.SetLogger(log.Component("worker"))
		return rt, func() { rt.Close(context.Background()) }, nil

	case config.RuntimeDocker:
		rt, err := docker.NewFromEnv(cfg.Runtime.Docker)
		if err != nil {
			return nil, nil, err
		}
		rt.SetLogger(log.Component("docker"))
		// Containers outlive the orchestrator and are adopted on restart.
		return rt, func() {}, nil

	case config.RuntimeProcess:
		rt, err := process.New(cfg.Runtime.Process, process.BusFrom(cfg.MQTT))
		if err != nil {
			return nil, nil, err
		}
		rt.SetLogger(log.Component("process"))
		return rt, rt.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown runtime mode %q", cfg.Runtime.Mode)
}

// unitDialer gives each in-process unit its own bus session, named after
// the orchestrator's client id and the device id.
func unitDialer(base config.MQTTConfig) worker.Dialer {
	return func(deviceID string) (worker.Client, error) {
		cfg := base
		cfg.Broker.ClientID = fmt.Sprintf("%s-%s", base.Broker.ClientID, deviceID)
		return mqtt.Dial(cfg), nil
	}
}

// startRelay creates and starts the badge-to-door relay.
func startRelay(ctx context.Context, cfg *config.Config, client relay.MQTTClient, registry *device.Registry, hub *api.Hub, log *logging.Logger) (*relay.Relay, error) {
	rel, err := relay.New(client, registry, hub, relay.ConfigFrom(cfg.Relay, cfg.MQTT.QoS))
	if err != nil {
		return nil, err
	}
	rel.SetLogger(log.Component("relay"))
	if err := rel.Start(ctx); err != nil {
		return nil, err
	}
	rc := rel.Config()
	log.Info("relay started",
		"events_topic", rc.EventsTopic,
		"open_action", rc.OpenAction,
		"auto_close", rc.AutoClose,
		"debounce", rc.Debounce,
	)
	return rel, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, srv *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// iotdevice runs one simulated badge reader or door.
//
// It is the unit binary launched by the docker and process runtimes and is
// configured from the environment only:
//
//	DEVICE_ID, DEVICE_KIND (badgeuse|porte), DOOR_ID (readers),
//	MQTT_HOST, MQTT_PORT, MQTT_USER, MQTT_PASS, HOST, PORT
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/simulator"
)

var version = "dev"

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// unitConfig is the environment contract shared with the runtimes.
type unitConfig struct {
	DeviceID string `env:"DEVICE_ID,required"`
	Kind     string `env:"DEVICE_KIND,required"`
	DoorID   string `env:"DOOR_ID"`

	MQTTHost string `env:"MQTT_HOST" envDefault:"localhost"`
	MQTTPort int    `env:"MQTT_PORT" envDefault:"1883"`
	MQTTUser string `env:"MQTT_USER"`
	MQTTPass string `env:"MQTT_PASS"`

	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func (c unitConfig) mqtt() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker.Host = c.MQTTHost
	cfg.Broker.Port = c.MQTTPort
	cfg.Broker.ClientID = c.DeviceID
	cfg.Auth.Username = c.MQTTUser
	cfg.Auth.Password = c.MQTTPass
	return cfg
}

func (c unitConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseConfig() (unitConfig, device.Kind, error) {
	var cfg unitConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, "", fmt.Errorf("parsing environment: %w", err)
	}
	kind, err := device.ParseKind(cfg.Kind)
	if err != nil {
		return cfg, "", err
	}
	if err := device.ValidateID(cfg.DeviceID); err != nil {
		return cfg, "", err
	}
	return cfg, kind, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, kind, err := parseConfig()
	if err != nil {
		return err
	}

	log := logging.NewService(config.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stdout",
	}, cfg.DeviceID, version)

	// Dial rather than Connect: /health must answer 503 while the broker
	// is still unreachable.
	client := mqtt.Dial(cfg.mqtt())
	client.SetLogger(log.Component("mqtt"))
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	dev, err := simulator.New(kind, cfg.DeviceID, device.Config{DoorID: cfg.DoorID}, client)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	if l, ok := dev.(interface{ SetLogger(simulator.Logger) }); ok {
		l.SetLogger(log)
	}
	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("starting device: %w", err)
	}
	defer dev.Stop()

	srv := &http.Server{
		Addr:              cfg.addr(),
		Handler:           dev.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("device unit started",
		"kind", kind,
		"door_id", cfg.DoorID,
		"address", srv.Addr,
		"broker", fmt.Sprintf("%s:%d", cfg.MQTTHost, cfg.MQTTPort),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", srv.Addr, err)
		}
	case <-ctx.Done():
	}

	log.Info("device unit stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

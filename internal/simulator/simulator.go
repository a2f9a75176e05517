package simulator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by simulated devices.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MQTTClient is the bus surface a simulated device needs.
// Both *mqtt.Client and *mqtttest.Client satisfy it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	State() *mqtt.ConnState
}

// Device is one simulated reader or door.
type Device interface {
	ID() string
	Kind() device.Kind
	Config() device.Config

	// Start subscribes to the device's command topic and begins
	// publishing. It returns once the subscription is registered; the
	// device keeps running until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	Stop()

	// Handler serves the device's HTTP control surface.
	Handler() http.Handler
}

// New builds a simulated device of the given kind.
func New(kind device.Kind, id string, cfg device.Config, client MQTTClient) (Device, error) {
	if err := device.ValidateID(id); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrNoClient
	}
	switch kind {
	case device.KindReader:
		return NewReader(id, cfg.DoorID, client), nil
	case device.KindDoor:
		return NewDoor(id, client), nil
	}
	return nil, fmt.Errorf("%w: %q", device.ErrInvalidKind, kind)
}

// base holds what readers and doors share: identity, bus client, logging
// and the run lifecycle.
type base struct {
	id     string
	kind   device.Kind
	client MQTTClient
	qos    byte
	topics mqtt.Topics
	logger Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newBase(id string, kind device.Kind, client MQTTClient) base {
	return base{id: id, kind: kind, client: client, qos: 1, logger: noopLogger{}}
}

func (b *base) ID() string        { return b.id }
func (b *base) Kind() device.Kind { return b.kind }

// SetLogger sets the logger for the device.
func (b *base) SetLogger(logger Logger) {
	b.logger = logger
}

// start subscribes handler to topic and runs run (if any) until the
// device is stopped or ctx is cancelled.
func (b *base) start(ctx context.Context, topic string, handler mqtt.MessageHandler, run func(context.Context)) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return ErrAlreadyStarted
	}

	if err := b.client.Subscribe(topic, b.qos, handler); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel, b.done = cancel, done
	go func() {
		defer close(done)
		if run != nil {
			run(runCtx)
			return
		}
		<-runCtx.Done()
	}()

	b.logger.Info("simulated device started", "device_id", b.id, "kind", b.kind, "topic", topic)
	return nil
}

// end cancels the run context, waits for background work and
// unsubscribes topic.
func (b *base) end(topic string) {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := b.client.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		b.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
	}
	b.logger.Info("simulated device stopped", "device_id", b.id, "kind", b.kind)
}

// routes mounts the endpoints every device serves.
func (b *base) routes(r chi.Router) {
	r.Get("/health", b.handleHealth)
}

// handleHealth answers 200 only while the device is connected to the bus.
func (b *base) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := b.client.IsConnected()
	status := http.StatusOK
	text := "ok"
	if !connected {
		status = http.StatusServiceUnavailable
		text = "disconnected"
	}
	writeJSON(w, status, map[string]any{
		"status":    text,
		"device_id": b.id,
		"kind":      b.kind,
		"connected": connected,
	})
}

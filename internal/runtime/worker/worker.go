// Package worker runs simulated devices as goroutines inside the
// orchestrator process.
//
// Each unit owns its own bus client (from the Dialer) and serves its HTTP
// control surface on a loopback listener with an ephemeral port. Units do
// not survive a restart of the orchestrator, so List only ever reports
// units started by this Runtime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/simulator"
)

// Client is a bus client a unit owns and closes when stopped.
type Client interface {
	simulator.MQTTClient
	Close() error
}

// Dialer returns a bus client for the unit with the given id. The client
// may still be connecting when returned.
type Dialer func(clientID string) (Client, error)

// Logger defines the logging interface used by the runtime.
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

// Errors returned by the worker runtime.
var (
	ErrUnitExists = errors.New("worker: unit already exists")
	ErrNoDialer   = errors.New("worker: no dialer configured")
)

const (
	loopbackAddr      = "127.0.0.1:0"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 2 * time.Second
)

// unit is one running (or exited) in-process device.
type unit struct {
	id   string
	kind device.Kind
	cfg  device.Config

	status device.UnitStatus
	url    string

	dev    simulator.Device
	client Client
	srv    *http.Server
}

// handle is the immutable snapshot returned to callers.
type handle struct {
	id     string
	kind   device.Kind
	cfg    device.Config
	status device.UnitStatus
	url    string
}

func (h handle) ID() string                    { return h.id }
func (h handle) Kind() device.Kind             { return h.kind }
func (h handle) Status() device.UnitStatus     { return h.status }
func (h handle) ObservedConfig() device.Config { return h.cfg }
func (h handle) HealthURL() string             { return h.url }

func (u *unit) handle() handle {
	return handle{id: u.id, kind: u.kind, cfg: u.cfg, status: u.status, url: u.url}
}

// Runtime implements device.Runtime with goroutine units.
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	dial   Dialer
	logger Logger

	mu    sync.Mutex
	units map[string]*unit
}

// New creates a worker runtime.
func New(dial Dialer) *Runtime {
	return &Runtime{
		dial:   dial,
		logger: noopLogger{},
		units:  make(map[string]*unit),
	}
}

// SetLogger sets the logger for the runtime.
func (rt *Runtime) SetLogger(logger Logger) {
	rt.logger = logger
}

// Start creates and starts a unit.
func (rt *Runtime) Start(ctx context.Context, kind device.Kind, id string, cfg device.Config) (device.Unit, error) {
	if rt.dial == nil {
		return nil, ErrNoDialer
	}

	rt.mu.Lock()
	if _, exists := rt.units[id]; exists {
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnitExists, id)
	}
	u := &unit{id: id, kind: kind, cfg: cfg, status: device.UnitExited}
	rt.units[id] = u
	rt.mu.Unlock()

	if err := rt.launch(ctx, u); err != nil {
		rt.mu.Lock()
		delete(rt.units, id)
		rt.mu.Unlock()
		return nil, err
	}
	return rt.snapshot(id)
}

// launch wires a bus client, a simulated device and an HTTP server for u.
func (rt *Runtime) launch(ctx context.Context, u *unit) error {
	client, err := rt.dial(u.id)
	if err != nil {
		return fmt.Errorf("dialing bus for %s: %w", u.id, err)
	}

	dev, err := simulator.New(u.kind, u.id, u.cfg, client)
	if err != nil {
		client.Close() //nolint:errcheck // best effort on error path
		return err
	}
	if l, ok := dev.(interface{ SetLogger(simulator.Logger) }); ok {
		l.SetLogger(rt.logger)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", loopbackAddr)
	if err != nil {
		client.Close() //nolint:errcheck // best effort on error path
		return fmt.Errorf("listening for %s: %w", u.id, err)
	}

	// The unit outlives the request that created it.
	if err := dev.Start(context.WithoutCancel(ctx)); err != nil {
		ln.Close()     //nolint:errcheck // best effort on error path
		client.Close() //nolint:errcheck // best effort on error path
		return fmt.Errorf("starting %s: %w", u.id, err)
	}

	srv := &http.Server{Handler: dev.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("unit HTTP server stopped", "device_id", u.id, "error", err)
		}
	}()

	rt.mu.Lock()
	u.dev, u.client, u.srv = dev, client, srv
	u.url = "http://" + ln.Addr().String() + "/health"
	u.status = device.UnitRunning
	rt.mu.Unlock()

	rt.logger.Info("worker unit started", "device_id", u.id, "kind", u.kind, "health_url", u.url)
	return nil
}

// halt stops u's device, server and client and marks it exited.
func (rt *Runtime) halt(ctx context.Context, u *unit) {
	rt.mu.Lock()
	dev, client, srv := u.dev, u.client, u.srv
	u.dev, u.client, u.srv = nil, nil, nil
	u.status = device.UnitExited
	rt.mu.Unlock()

	if dev != nil {
		dev.Stop()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close() //nolint:errcheck // forced close after failed shutdown
		}
		cancel()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			rt.logger.Debug("closing unit bus client", "device_id", u.id, "error", err)
		}
	}
}

// Stop stops and forgets a unit. Unknown units are not an error.
func (rt *Runtime) Stop(ctx context.Context, du device.Unit) error {
	rt.mu.Lock()
	u, ok := rt.units[du.ID()]
	delete(rt.units, du.ID())
	rt.mu.Unlock()

	if !ok {
		return nil
	}
	rt.halt(ctx, u)
	rt.logger.Info("worker unit stopped", "device_id", u.id)
	return nil
}

// Restart stops and relaunches a unit with its existing identity and config.
func (rt *Runtime) Restart(ctx context.Context, du device.Unit) (device.Unit, error) {
	rt.mu.Lock()
	u, ok := rt.units[du.ID()]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, du.ID())
	}

	rt.halt(ctx, u)
	if err := rt.launch(ctx, u); err != nil {
		return nil, err
	}
	return rt.snapshot(u.id)
}

// Kill stops a unit's device without forgetting it, as if it had crashed.
// The unit reports exited until restarted.
func (rt *Runtime) Kill(id string) error {
	rt.mu.Lock()
	u, ok := rt.units[id]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnitNotFound, id)
	}
	rt.halt(context.Background(), u)
	return nil
}

// Get returns a snapshot of a unit.
func (rt *Runtime) Get(_ context.Context, id string) (device.Unit, error) {
	return rt.snapshot(id)
}

func (rt *Runtime) snapshot(id string) (device.Unit, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	u, ok := rt.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, id)
	}
	return u.handle(), nil
}

// List returns the units whose labels match.
func (rt *Runtime) List(_ context.Context, labels map[string]string) ([]device.Unit, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]device.Unit, 0, len(rt.units))
	for _, u := range rt.units {
		if device.MatchLabels(device.Labels(u.kind, u.id, u.cfg), labels) {
			out = append(out, u.handle())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Close stops every unit.
func (rt *Runtime) Close(ctx context.Context) {
	rt.mu.Lock()
	units := make([]*unit, 0, len(rt.units))
	for id, u := range rt.units {
		units = append(units, u)
		delete(rt.units, id)
	}
	rt.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.halt(ctx, u)
		}()
	}
	wg.Wait()
}

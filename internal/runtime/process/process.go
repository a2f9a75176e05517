package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// Logger defines the logging interface for the process runtime.
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

// Errors returned by the process runtime.
var (
	ErrUnitExists = errors.New("process: unit already exists")
	ErrNoBinary   = errors.New("process: no unit binary configured")
	ErrNoFreePort = errors.New("process: no free port for unit")
	ErrNoStateDir = errors.New("process: no state directory configured")
	errUnmanaged  = errors.New("process: state file is not a managed unit")
)

const (
	stateFileSuffix = ".json"
	logFileSuffix   = ".log"

	// maxPortSearch bounds the scan above BasePort.
	maxPortSearch = 1000
)

// Bus is the broker endpoint handed to every unit.
type Bus struct {
	Host     string
	Port     int
	Username string
	Password string
}

// BusFrom extracts the unit broker endpoint from the MQTT configuration.
func BusFrom(cfg config.MQTTConfig) Bus {
	return Bus{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
	}
}

// unitState is the on-disk record of one unit. It lets a restarted
// orchestrator find and adopt units it launched before.
type unitState struct {
	Labels    map[string]string `json:"labels"`
	Port      int               `json:"port"`
	PID       int               `json:"pid"`
	StartedAt time.Time         `json:"started_at"`
}

// unit is one known subprocess, supervised by this runtime or adopted from
// a state file.
type unit struct {
	id    string
	kind  device.Kind
	cfg   device.Config
	state unitState
	sup   *Supervisor
}

func (u *unit) status() device.UnitStatus {
	if u.sup != nil {
		if u.sup.IsRunning() {
			return device.UnitRunning
		}
		return device.UnitExited
	}
	if u.state.PID > 0 && alive(u.state.PID) {
		return device.UnitRunning
	}
	return device.UnitExited
}

// handle is the immutable snapshot returned to callers.
type handle struct {
	id     string
	kind   device.Kind
	cfg    device.Config
	status device.UnitStatus
	port   int
}

func (h handle) ID() string                    { return h.id }
func (h handle) Kind() device.Kind             { return h.kind }
func (h handle) Status() device.UnitStatus     { return h.status }
func (h handle) ObservedConfig() device.Config { return h.cfg }
func (h handle) HealthURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(h.port) + "/health"
}

// Runtime implements device.Runtime with subprocesses of the unit binary
// (cmd/iotdevice), each on its own loopback port.
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	cfg    config.ProcessRuntimeConfig
	bus    Bus
	logger Logger

	mu    sync.Mutex
	units map[string]*unit

	// fileMu serializes state file writes, which supervisors also make
	// from their own goroutines.
	fileMu sync.Mutex
}

// New creates a process runtime and adopts the units recorded in the
// state directory by a previous run.
func New(cfg config.ProcessRuntimeConfig, bus Bus) (*Runtime, error) {
	if cfg.Binary == "" {
		return nil, ErrNoBinary
	}
	if cfg.StateDir == "" {
		return nil, ErrNoStateDir
	}
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	rt := &Runtime{
		cfg:    cfg,
		bus:    bus,
		logger: noopLogger{},
		units:  make(map[string]*unit),
	}
	if err := rt.load(); err != nil {
		return nil, err
	}
	return rt, nil
}

// SetLogger sets the logger for the runtime and its supervisors.
func (rt *Runtime) SetLogger(logger Logger) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.logger = logger
	for _, u := range rt.units {
		if u.sup != nil {
			u.sup.SetLogger(logger)
		}
	}
}

// load reads every state file. Unreadable files are skipped.
func (rt *Runtime) load() error {
	entries, err := os.ReadDir(rt.cfg.StateDir)
	if err != nil {
		return fmt.Errorf("reading state directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateFileSuffix) {
			continue
		}
		u, err := rt.readState(filepath.Join(rt.cfg.StateDir, e.Name()))
		if err != nil {
			rt.logger.Warn("skipping unit state file", "file", e.Name(), "error", err)
			continue
		}
		rt.units[u.id] = u
	}
	return nil
}

func (rt *Runtime) readState(path string) (*unit, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the configured state dir
	if err != nil {
		return nil, err
	}
	var st unitState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	kind, id, cfg, ok := device.ConfigFromLabels(st.Labels)
	if !ok {
		return nil, errUnmanaged
	}
	return &unit{id: id, kind: kind, cfg: cfg, state: st}, nil
}

func (rt *Runtime) statePath(id string) string {
	return filepath.Join(rt.cfg.StateDir, id+stateFileSuffix)
}

// writeState atomically replaces the unit's state file.
func (rt *Runtime) writeState(id string, st unitState) error {
	rt.fileMu.Lock()
	defer rt.fileMu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := rt.statePath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, rt.statePath(id))
}

func (rt *Runtime) removeState(id string) {
	if err := os.Remove(rt.statePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		rt.logger.Warn("removing unit state file", "device_id", id, "error", err)
	}
}

// allocatePort returns the lowest free port at or above BasePort.
// Caller must hold rt.mu.
func (rt *Runtime) allocatePort(keep int) (int, error) {
	if keep > 0 && portFree(keep) {
		return keep, nil
	}

	used := make(map[int]bool, len(rt.units))
	for _, u := range rt.units {
		used[u.state.Port] = true
	}
	for port := rt.cfg.BasePort; port < rt.cfg.BasePort+maxPortSearch; port++ {
		if !used[port] && portFree(port) {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close() //nolint:errcheck // probe listener
	return true
}

// env builds the unit environment read by cmd/iotdevice.
func (rt *Runtime) env(u *unit) []string {
	env := []string{
		"DEVICE_ID=" + u.id,
		"DEVICE_KIND=" + string(u.kind),
		"MQTT_HOST=" + rt.bus.Host,
		"MQTT_PORT=" + strconv.Itoa(rt.bus.Port),
		"PORT=" + strconv.Itoa(u.state.Port),
		"HOST=127.0.0.1",
	}
	if u.kind == device.KindReader && u.cfg.DoorID != "" {
		env = append(env, "DOOR_ID="+u.cfg.DoorID)
	}
	if rt.bus.Username != "" {
		env = append(env, "MQTT_USER="+rt.bus.Username, "MQTT_PASS="+rt.bus.Password)
	}
	return env
}

// launch starts a supervisor for u. Caller must hold rt.mu.
func (rt *Runtime) launch(u *unit) error {
	port, err := rt.allocatePort(u.state.Port)
	if err != nil {
		return err
	}
	u.state.Port = port
	u.state.Labels = device.Labels(u.kind, u.id, u.cfg)
	u.state.StartedAt = time.Now().UTC()

	logFile, err := os.OpenFile(filepath.Join(rt.cfg.StateDir, u.id+logFileSuffix),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening unit log: %w", err)
	}

	id, st := u.id, u.state
	sup := NewSupervisor(SupervisorConfig{
		Name:               id,
		Binary:             rt.cfg.Binary,
		Env:                rt.env(u),
		Output:             logFile,
		RestartOnFailure:   rt.cfg.RestartOnFailure,
		RestartDelay:       rt.cfg.RestartDelay,
		MaxRestartAttempts: rt.cfg.MaxRestartAttempts,
		GracefulTimeout:    rt.cfg.GracefulTimeout,
		OnStart: func(pid int) {
			st.PID = pid
			if err := rt.writeState(id, st); err != nil {
				rt.logger.Warn("writing unit state file", "device_id", id, "error", err)
			}
		},
	})
	sup.SetLogger(rt.logger)

	u.sup = sup
	if err := sup.Start(); err != nil {
		logFile.Close() //nolint:errcheck // best effort on error path
		u.sup = nil
		return err
	}
	// The child holds its own descriptor.
	logFile.Close() //nolint:errcheck // parent copy

	u.state.PID = sup.PID()
	return nil
}

// terminator captures how to stop u's process, supervised or adopted. The
// returned func may take up to the graceful timeout and is run without
// rt.mu. Caller must hold rt.mu.
func (rt *Runtime) terminator(u *unit) func() error {
	if sup := u.sup; sup != nil {
		return sup.Stop
	}
	pid, grace := u.state.PID, rt.gracefulTimeout()
	return func() error {
		if pid > 0 && alive(pid) {
			return terminateGroup(pid, grace, nil)
		}
		return nil
	}
}

func (rt *Runtime) gracefulTimeout() time.Duration {
	if rt.cfg.GracefulTimeout > 0 {
		return rt.cfg.GracefulTimeout
	}
	return defaultGracefulTimeout
}

// Start launches a unit subprocess.
func (rt *Runtime) Start(_ context.Context, kind device.Kind, id string, cfg device.Config) (device.Unit, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if existing, ok := rt.units[id]; ok {
		if existing.status() == device.UnitRunning {
			return nil, fmt.Errorf("%w: %s", ErrUnitExists, id)
		}
		// A dead leftover from a previous run is replaced.
		delete(rt.units, id)
	}

	u := &unit{id: id, kind: kind, cfg: cfg}
	rt.units[id] = u
	if err := rt.launch(u); err != nil {
		delete(rt.units, id)
		rt.removeState(id)
		return nil, fmt.Errorf("starting unit %s: %w", id, err)
	}

	rt.logger.Info("unit process started", "device_id", id, "kind", kind, "port", u.state.Port, "pid", u.state.PID)
	return rt.handle(u), nil
}

// Stop terminates a unit and forgets it. Unknown units are not an error.
// Other units stay usable while the process shuts down.
func (rt *Runtime) Stop(_ context.Context, du device.Unit) error {
	rt.mu.Lock()
	u, ok := rt.units[du.ID()]
	if !ok {
		rt.mu.Unlock()
		return nil
	}
	terminate := rt.terminator(u)
	rt.mu.Unlock()

	if err := terminate(); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.units[u.id] == u {
		delete(rt.units, u.id)
		rt.removeState(u.id)
	}
	rt.logger.Info("unit process stopped", "device_id", u.id)
	return nil
}

// Restart terminates and relaunches a unit on the same port when possible.
func (rt *Runtime) Restart(_ context.Context, du device.Unit) (device.Unit, error) {
	rt.mu.Lock()
	u, ok := rt.units[du.ID()]
	if !ok {
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, du.ID())
	}
	terminate := rt.terminator(u)
	rt.mu.Unlock()

	if err := terminate(); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.units[u.id] != u {
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, u.id)
	}
	u.sup = nil
	if err := rt.launch(u); err != nil {
		return nil, fmt.Errorf("restarting unit %s: %w", u.id, err)
	}

	rt.logger.Info("unit process restarted", "device_id", u.id, "pid", u.state.PID)
	return rt.handle(u), nil
}

// Get returns a snapshot of a unit.
func (rt *Runtime) Get(_ context.Context, id string) (device.Unit, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	u, ok := rt.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, id)
	}
	return rt.handle(u), nil
}

// List returns the units whose labels match.
func (rt *Runtime) List(_ context.Context, labels map[string]string) ([]device.Unit, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]device.Unit, 0, len(rt.units))
	for _, u := range rt.units {
		if device.MatchLabels(device.Labels(u.kind, u.id, u.cfg), labels) {
			out = append(out, rt.handle(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (rt *Runtime) handle(u *unit) handle {
	return handle{id: u.id, kind: u.kind, cfg: u.cfg, status: u.status(), port: u.state.Port}
}

// Stats returns supervisor statistics for the units this run launched.
func (rt *Runtime) Stats() []SupervisorStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]SupervisorStats, 0, len(rt.units))
	for _, u := range rt.units {
		if u.sup != nil {
			out = append(out, u.sup.Stats())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops supervising. Unit processes keep running and are adopted by
// the next runtime created over the same state directory.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, u := range rt.units {
		if u.sup != nil {
			u.sup.Detach()
		}
	}
}

// alive reports whether pid names a live process.
func alive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

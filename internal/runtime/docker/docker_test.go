package docker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// fakeEngine is an in-memory Docker Engine keyed by container name.
type fakeEngine struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	startErr   error
	calls      []string
}

type fakeContainer struct {
	cfg     container.Config
	host    container.HostConfig
	net     *network.NetworkingConfig
	state   container.ContainerState
	restart int
}

func newFakeEngine(images ...string) *fakeEngine {
	e := &fakeEngine{images: map[string]bool{}, containers: map[string]*fakeContainer{}}
	for _, img := range images {
		e.images[img] = true
	}
	return e
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	netCfg *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create " + name)
	if !e.images[cfg.Image] {
		return container.CreateResponse{}, fmt.Errorf("no such image %s: %w", cfg.Image, cerrdefs.ErrNotFound)
	}
	if _, exists := e.containers[name]; exists {
		return container.CreateResponse{}, fmt.Errorf("conflict %s: %w", name, cerrdefs.ErrAlreadyExists)
	}
	e.containers[name] = &fakeContainer{cfg: *cfg, host: *host, net: netCfg, state: container.StateCreated}
	return container.CreateResponse{ID: name}, nil
}

func (e *fakeEngine) get(id string) (*fakeContainer, error) {
	c, ok := e.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return c, nil
}

func (e *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start " + id)
	if e.startErr != nil {
		return e.startErr
	}
	c, err := e.get(id)
	if err != nil {
		return err
	}
	c.state = container.StateRunning
	return nil
}

func (e *fakeEngine) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop " + id)
	c, err := e.get(id)
	if err != nil {
		return err
	}
	c.state = container.StateExited
	return nil
}

func (e *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("remove " + id)
	if _, err := e.get(id); err != nil {
		return err
	}
	delete(e.containers, id)
	return nil
}

func (e *fakeEngine) ContainerRestart(_ context.Context, id string, _ container.StopOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("restart " + id)
	c, err := e.get(id)
	if err != nil {
		return err
	}
	c.state = container.StateRunning
	c.restart++
	return nil
}

func (e *fakeEngine) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	cfg := c.cfg
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + id,
			State: &container.State{Status: c.state, Running: c.state == container.StateRunning},
		},
		Config: &cfg,
	}, nil
}

func (e *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []container.Summary
	for name, c := range e.containers {
		match := true
		for _, f := range opts.Filters.Get("label") {
			k, v, _ := strings.Cut(f, "=")
			if c.cfg.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, container.Summary{ID: name, Names: []string{"/" + name}, Labels: c.cfg.Labels, State: c.state})
		}
	}
	return out, nil
}

func (e *fakeEngine) setState(id string, state container.ContainerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[id].state = state
}

func testConfig() config.DockerRuntimeConfig {
	return config.DockerRuntimeConfig{
		ReaderImage:  "iot-badgeuse:latest",
		DoorImage:    "iot-porte:latest",
		Network:      "iot-net",
		UnitMQTTHost: "mosquitto",
		UnitMQTTPort: 1883,
	}
}

func TestRuntime_StartReader(t *testing.T) {
	engine := newFakeEngine("iot-badgeuse:latest", "iot-porte:latest")
	rt := New(engine, testConfig())

	u, err := rt.Start(context.Background(), device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if u.ID() != "badgeuse-001" || u.Kind() != device.KindReader || u.Status() != device.UnitRunning {
		t.Errorf("unit = %s %s %s", u.ID(), u.Kind(), u.Status())
	}
	if u.ObservedConfig().DoorID != "porte-001" {
		t.Errorf("ObservedConfig() = %+v", u.ObservedConfig())
	}
	if u.HealthURL() != "http://badgeuse-001:8000/health" {
		t.Errorf("HealthURL() = %q", u.HealthURL())
	}

	c := engine.containers["badgeuse-001"]
	for _, want := range []string{"DEVICE_ID=badgeuse-001", "DEVICE_KIND=badgeuse", "DOOR_ID=porte-001", "MQTT_HOST=mosquitto", "MQTT_PORT=1883", "PORT=8000"} {
		if !slices.Contains(c.cfg.Env, want) {
			t.Errorf("env missing %q: %v", want, c.cfg.Env)
		}
	}
	if c.cfg.Labels[device.LabelManaged] != "true" || c.cfg.Labels[device.LabelDoorID] != "porte-001" {
		t.Errorf("labels = %v", c.cfg.Labels)
	}
	if c.host.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Errorf("restart policy = %q", c.host.RestartPolicy.Name)
	}
	if string(c.host.NetworkMode) != "iot-net" || c.net == nil || c.net.EndpointsConfig["iot-net"] == nil {
		t.Errorf("network = %q %+v", c.host.NetworkMode, c.net)
	}
}

func TestRuntime_DoorPortAndEnv(t *testing.T) {
	engine := newFakeEngine("iot-porte:latest")
	rt := New(engine, testConfig())

	u, err := rt.Start(context.Background(), device.KindDoor, "porte-001", device.Config{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if u.HealthURL() != "http://porte-001:8001/health" {
		t.Errorf("HealthURL() = %q", u.HealthURL())
	}
	for _, e := range engine.containers["porte-001"].cfg.Env {
		if strings.HasPrefix(e, "DOOR_ID=") {
			t.Errorf("door container has %q", e)
		}
	}
}

func TestRuntime_MissingImage(t *testing.T) {
	rt := New(newFakeEngine(), testConfig())
	_, err := rt.Start(context.Background(), device.KindDoor, "porte-001", device.Config{})
	if !errors.Is(err, device.ErrImageNotFound) {
		t.Errorf("Start() error = %v, want ErrImageNotFound", err)
	}

	cfg := testConfig()
	cfg.DoorImage = ""
	_, err = New(newFakeEngine(), cfg).Start(context.Background(), device.KindDoor, "porte-001", device.Config{})
	if !errors.Is(err, ErrNoImage) {
		t.Errorf("Start() without image error = %v, want ErrNoImage", err)
	}
}

func TestRuntime_StartFailureRemovesContainer(t *testing.T) {
	engine := newFakeEngine("iot-porte:latest")
	engine.startErr = errors.New("port in use")
	rt := New(engine, testConfig())

	if _, err := rt.Start(context.Background(), device.KindDoor, "porte-001", device.Config{}); err == nil {
		t.Fatal("Start() error = nil")
	}
	if _, ok := engine.containers["porte-001"]; ok {
		t.Error("container left behind after failed start")
	}
}

func TestRuntime_StopRestartGet(t *testing.T) {
	engine := newFakeEngine("iot-porte:latest")
	rt := New(engine, testConfig())
	ctx := context.Background()

	u, err := rt.Start(ctx, device.KindDoor, "porte-001", device.Config{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.setState("porte-001", container.StateExited)
	got, err := rt.Get(ctx, "porte-001")
	if err != nil || got.Status() != device.UnitExited {
		t.Fatalf("Get() = %v, %v; want exited", got, err)
	}

	restarted, err := rt.Restart(ctx, got)
	if err != nil || restarted.Status() != device.UnitRunning {
		t.Fatalf("Restart() = %v, %v", restarted, err)
	}

	if err := rt.Stop(ctx, u); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := rt.Get(ctx, "porte-001"); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("Get() after Stop error = %v", err)
	}
	if err := rt.Stop(ctx, u); err != nil {
		t.Errorf("Stop() of missing container error = %v", err)
	}
	if _, err := rt.Restart(ctx, u); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("Restart() of missing container error = %v", err)
	}
}

func TestRuntime_ListFiltersUnmanaged(t *testing.T) {
	engine := newFakeEngine("iot-porte:latest", "iot-badgeuse:latest")
	rt := New(engine, testConfig())
	ctx := context.Background()

	if _, err := rt.Start(ctx, device.KindDoor, "porte-001", device.Config{}); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Start(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"}); err != nil {
		t.Fatal(err)
	}
	engine.containers["postgres"] = &fakeContainer{cfg: container.Config{Labels: map[string]string{"app": "db"}}, state: container.StateRunning}

	units, err := rt.List(ctx, device.ManagedSelector())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("List(managed) returned %d units, want 2", len(units))
	}

	readers, _ := rt.List(ctx, map[string]string{device.LabelKind: string(device.KindReader)})
	if len(readers) != 1 || readers[0].ObservedConfig().DoorID != "porte-001" {
		t.Errorf("List(readers) = %+v", readers)
	}
}

// The registry rebuilds its records from containers left running by a
// previous orchestrator.
func TestRuntime_RegistryRebuild(t *testing.T) {
	engine := newFakeEngine("iot-porte:latest", "iot-badgeuse:latest")
	rt := New(engine, testConfig())
	ctx := context.Background()
	if _, err := rt.Start(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-007"}); err != nil {
		t.Fatal(err)
	}

	reg := device.NewRegistry(rt, neverReady{}, device.Options{})
	n, err := reg.Rebuild(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Rebuild() = %d, %v", n, err)
	}
	if door, ok := reg.DoorFor("badgeuse-001"); !ok || door != "porte-007" {
		t.Errorf("DoorFor() = %q, %v", door, ok)
	}
}

type neverReady struct{}

func (neverReady) WaitReady(context.Context, string, time.Duration) bool { return false }

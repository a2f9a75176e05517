// Package docker runs simulated devices as containers through the Docker
// Engine API.
//
// Each unit is one container named after the device id, labelled with the
// managed-unit labels so the registry can rebuild itself from
// ContainerList after an orchestrator restart. Containers join the
// configured network and are addressed by name from the orchestrator.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// Unit HTTP ports inside the container.
const (
	ReaderPort = 8000
	DoorPort   = 8001
)

// stopTimeoutSeconds bounds graceful container stops.
const stopTimeoutSeconds = 5

// API is the subset of the Docker Engine client the runtime uses.
// *client.Client satisfies it.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

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

// ErrNoImage is returned when no image is configured for a kind.
var ErrNoImage = errors.New("docker: no image configured for device kind")

// Runtime implements device.Runtime on top of the Docker Engine.
type Runtime struct {
	api    API
	cfg    config.DockerRuntimeConfig
	logger Logger
}

// NewFromEnv connects to the Docker daemon described by the DOCKER_*
// environment variables, negotiating the API version.
func NewFromEnv(cfg config.DockerRuntimeConfig) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return New(cli, cfg), nil
}

// New creates a runtime over an existing Engine client.
func New(api API, cfg config.DockerRuntimeConfig) *Runtime {
	return &Runtime{api: api, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the runtime.
func (rt *Runtime) SetLogger(logger Logger) {
	rt.logger = logger
}

// unit is a snapshot of one container.
type unit struct {
	id     string
	kind   device.Kind
	cfg    device.Config
	status device.UnitStatus
}

func (u unit) ID() string                    { return u.id }
func (u unit) Kind() device.Kind             { return u.kind }
func (u unit) Status() device.UnitStatus     { return u.status }
func (u unit) ObservedConfig() device.Config { return u.cfg }

// HealthURL addresses the container by name on the shared network.
func (u unit) HealthURL() string {
	return "http://" + u.id + ":" + strconv.Itoa(portFor(u.kind)) + "/health"
}

func portFor(kind device.Kind) int {
	if kind == device.KindDoor {
		return DoorPort
	}
	return ReaderPort
}

func (rt *Runtime) imageFor(kind device.Kind) string {
	if kind == device.KindDoor {
		return rt.cfg.DoorImage
	}
	return rt.cfg.ReaderImage
}

// env builds the container environment read by cmd/iotdevice.
func (rt *Runtime) env(kind device.Kind, id string, cfg device.Config) []string {
	env := []string{
		"DEVICE_ID=" + id,
		"DEVICE_KIND=" + string(kind),
		"MQTT_HOST=" + rt.cfg.UnitMQTTHost,
		"MQTT_PORT=" + strconv.Itoa(rt.cfg.UnitMQTTPort),
		"PORT=" + strconv.Itoa(portFor(kind)),
	}
	if kind == device.KindReader && cfg.DoorID != "" {
		env = append(env, "DOOR_ID="+cfg.DoorID)
	}
	return env
}

// Start creates and starts a container for the device.
//
// Returns:
//   - device.ErrImageNotFound if the configured image is not present
func (rt *Runtime) Start(ctx context.Context, kind device.Kind, id string, cfg device.Config) (device.Unit, error) {
	image := rt.imageFor(kind)
	if image == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, kind)
	}

	containerCfg := &container.Config{
		Image:    image,
		Hostname: id,
		Env:      rt.env(kind, id, cfg),
		Labels:   device.Labels(kind, id, cfg),
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if rt.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(rt.cfg.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				rt.cfg.Network: {Aliases: []string{id}},
			},
		}
	}

	created, err := rt.api.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", device.ErrImageNotFound, image)
		}
		return nil, fmt.Errorf("creating container %s: %w", id, err)
	}
	for _, w := range created.Warnings {
		rt.logger.Warn("container create warning", "device_id", id, "warning", w)
	}

	if err := rt.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		rt.remove(ctx, created.ID)
		return nil, fmt.Errorf("starting container %s: %w", id, err)
	}

	rt.logger.Info("container started", "device_id", id, "kind", kind, "image", image)
	return rt.Get(ctx, id)
}

// Stop stops and removes the device's container. A missing container is
// not an error.
func (rt *Runtime) Stop(ctx context.Context, u device.Unit) error {
	timeout := stopTimeoutSeconds
	err := rt.api.ContainerStop(ctx, u.ID(), container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		rt.logger.Warn("container stop failed, forcing removal", "device_id", u.ID(), "error", err)
	}

	err = rt.api.ContainerRemove(ctx, u.ID(), container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", u.ID(), err)
	}
	rt.logger.Info("container removed", "device_id", u.ID())
	return nil
}

// remove is the best-effort cleanup after a failed start.
func (rt *Runtime) remove(ctx context.Context, containerID string) {
	if err := rt.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		rt.logger.Debug("container cleanup failed", "container", containerID, "error", err)
	}
}

// Restart restarts the device's container in place.
func (rt *Runtime) Restart(ctx context.Context, u device.Unit) (device.Unit, error) {
	timeout := stopTimeoutSeconds
	if err := rt.api.ContainerRestart(ctx, u.ID(), container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, u.ID())
		}
		return nil, fmt.Errorf("restarting container %s: %w", u.ID(), err)
	}
	rt.logger.Info("container restarted", "device_id", u.ID())
	return rt.Get(ctx, u.ID())
}

// Get inspects the device's container.
func (rt *Runtime) Get(ctx context.Context, id string) (device.Unit, error) {
	info, err := rt.api.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, id)
		}
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	if info.Config == nil {
		return nil, fmt.Errorf("%w: %s has no config", device.ErrUnitNotFound, id)
	}

	kind, devID, cfg, ok := device.ConfigFromLabels(info.Config.Labels)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a managed unit", device.ErrUnitNotFound, id)
	}
	status := device.UnitUnknown
	if info.ContainerJSONBase != nil && info.State != nil {
		status = unitStatus(info.State.Status)
	}
	return unit{id: devID, kind: kind, cfg: cfg, status: status}, nil
}

// List returns the containers whose labels match.
func (rt *Runtime) List(ctx context.Context, labels map[string]string) ([]device.Unit, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := rt.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]device.Unit, 0, len(containers))
	for _, c := range containers {
		kind, id, cfg, ok := device.ConfigFromLabels(c.Labels)
		if !ok || !device.MatchLabels(c.Labels, labels) {
			continue
		}
		out = append(out, unit{id: id, kind: kind, cfg: cfg, status: unitStatus(c.State)})
	}
	return out, nil
}

func unitStatus(state container.ContainerState) device.UnitStatus {
	switch strings.ToLower(state) {
	case container.StateRunning:
		return device.UnitRunning
	case container.StateExited, container.StateDead, container.StateCreated:
		return device.UnitExited
	}
	return device.UnitUnknown
}

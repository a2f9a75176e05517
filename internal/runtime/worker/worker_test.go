package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/gray-logic-access/internal/readiness"
)

func newTestRuntime(t *testing.T) (*Runtime, *mqtttest.Broker) {
	t.Helper()
	broker := mqtttest.NewBroker()
	rt := New(func(id string) (Client, error) {
		return broker.NewClient(id), nil
	})
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt, broker
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRuntime_StartServesHealth(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	u, err := rt.Start(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if u.Status() != device.UnitRunning || u.ObservedConfig().DoorID != "porte-001" {
		t.Errorf("unit = %s %+v", u.Status(), u.ObservedConfig())
	}
	if !strings.HasPrefix(u.HealthURL(), "http://127.0.0.1:") || !strings.HasSuffix(u.HealthURL(), "/health") {
		t.Errorf("HealthURL() = %q", u.HealthURL())
	}
	if code := getStatus(t, u.HealthURL()); code != http.StatusOK {
		t.Errorf("health = %d, want 200", code)
	}

	if _, err := rt.Start(ctx, device.KindReader, "badgeuse-001", device.Config{}); !errors.Is(err, ErrUnitExists) {
		t.Errorf("second Start() error = %v, want ErrUnitExists", err)
	}
}

func TestRuntime_StartFailures(t *testing.T) {
	dialErr := errors.New("broker down")
	rt := New(func(string) (Client, error) { return nil, dialErr })
	if _, err := rt.Start(context.Background(), device.KindDoor, "porte-001", device.Config{}); !errors.Is(err, dialErr) {
		t.Errorf("Start() error = %v, want dial error", err)
	}
	if _, err := rt.Get(context.Background(), "porte-001"); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("failed unit was kept: %v", err)
	}

	if _, err := New(nil).Start(context.Background(), device.KindDoor, "porte-001", device.Config{}); !errors.Is(err, ErrNoDialer) {
		t.Errorf("Start() without dialer error = %v", err)
	}
}

func TestRuntime_DoorPublishesOnBus(t *testing.T) {
	rt, broker := newTestRuntime(t)
	if _, err := rt.Start(context.Background(), device.KindDoor, "porte-001", device.Config{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	broker.Inject("iot/porte/porte-001/commands", []byte(`{"action":"open"}`), false)
	if _, ok := broker.Wait("iot/porte/porte-001/state", 2, 2*time.Second); !ok {
		t.Error("door did not publish initial and open states")
	}
}

func TestRuntime_KillAndRestart(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	u, err := rt.Start(ctx, device.KindDoor, "porte-001", device.Config{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rt.Kill("porte-001"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	got, err := rt.Get(ctx, "porte-001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status() != device.UnitExited {
		t.Errorf("status after kill = %s, want exited", got.Status())
	}
	if _, err := http.Get(u.HealthURL()); err == nil {
		t.Error("killed unit still serves HTTP")
	}

	restarted, err := rt.Restart(ctx, got)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if restarted.Status() != device.UnitRunning {
		t.Errorf("status after restart = %s", restarted.Status())
	}
	if code := getStatus(t, restarted.HealthURL()); code != http.StatusOK {
		t.Errorf("health after restart = %d", code)
	}

	if err := rt.Kill("ghost"); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("Kill(ghost) error = %v", err)
	}
}

func TestRuntime_StopAndList(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"porte-002", "porte-001"} {
		if _, err := rt.Start(ctx, device.KindDoor, id, device.Config{}); err != nil {
			t.Fatalf("Start(%s) error = %v", id, err)
		}
	}
	reader, err := rt.Start(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"})
	if err != nil {
		t.Fatalf("Start(reader) error = %v", err)
	}

	all, _ := rt.List(ctx, device.ManagedSelector())
	if len(all) != 3 || all[0].ID() != "badgeuse-001" || all[1].ID() != "porte-001" {
		t.Errorf("List(managed) = %v", ids(all))
	}
	doors, _ := rt.List(ctx, map[string]string{device.LabelKind: string(device.KindDoor)})
	if len(doors) != 2 {
		t.Errorf("List(doors) = %v", ids(doors))
	}

	if err := rt.Stop(ctx, reader); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := rt.Get(ctx, "badgeuse-001"); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("Get() after Stop error = %v", err)
	}
	if err := rt.Stop(ctx, reader); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if _, err := rt.Restart(ctx, reader); !errors.Is(err, device.ErrUnitNotFound) {
		t.Errorf("Restart() of stopped unit error = %v", err)
	}
}

// The registry drives this runtime end to end in the in-process mode.
func TestRuntime_WithRegistry(t *testing.T) {
	rt, _ := newTestRuntime(t)
	prober := readiness.New(config.ReadinessConfig{Interval: 20 * time.Millisecond})
	reg := device.NewRegistry(rt, prober, device.Options{EnsureTimeout: 2 * time.Second})
	ctx := context.Background()

	st, err := reg.Ensure(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-001"})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !st.Ready || st.State != device.StateReady {
		t.Errorf("Ensure() = %+v, want ready", st)
	}

	// Door drift replaces the unit.
	st, err = reg.Ensure(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-002"})
	if err != nil {
		t.Fatalf("Ensure(drift) error = %v", err)
	}
	if st.DoorID != "porte-002" || !st.Ready {
		t.Errorf("Ensure(drift) = %+v", st)
	}

	// A crashed unit is restarted on the next ensure.
	if err := rt.Kill("badgeuse-001"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	st, err = reg.Ensure(ctx, device.KindReader, "badgeuse-001", device.Config{DoorID: "porte-002"})
	if err != nil {
		t.Fatalf("Ensure(after kill) error = %v", err)
	}
	if st.UnitStatus != device.UnitRunning || !st.Ready {
		t.Errorf("Ensure(after kill) = %+v", st)
	}

	removed, err := reg.Remove(ctx, "badgeuse-001")
	if err != nil || !removed {
		t.Errorf("Remove() = %v, %v", removed, err)
	}
}

func ids(units []device.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID()
	}
	return out
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Prober checks whether a unit's health endpoint answers.
// *readiness.Prober satisfies it.
type Prober interface {
	WaitReady(ctx context.Context, url string, timeout time.Duration) bool
}

// Default readiness budgets.
const (
	DefaultEnsureTimeout = 10 * time.Second
	DefaultListTimeout   = 20 * time.Millisecond

	defaultListParallelism = 32
)

// Options tunes a Registry. Zero values select the defaults.
type Options struct {
	// EnsureTimeout bounds readiness polling after a create or restart.
	EnsureTimeout time.Duration

	// ListTimeout bounds the single probe made per device by List and Get.
	ListTimeout time.Duration

	// ListParallelism caps concurrent probes during List.
	ListParallelism int
}

func (o Options) withDefaults() Options {
	if o.EnsureTimeout <= 0 {
		o.EnsureTimeout = DefaultEnsureTimeout
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = DefaultListTimeout
	}
	if o.ListParallelism <= 0 {
		o.ListParallelism = defaultListParallelism
	}
	return o
}

// record is the registry's private view of one device.
type record struct {
	kind    Kind
	cfg     Config
	unit    Unit
	state   LifecycleState
	gen     uint64
	updated time.Time
}

func (rec *record) status(id string) Status {
	st := Status{
		DeviceID:   id,
		Kind:       rec.kind,
		DoorID:     rec.cfg.DoorID,
		State:      rec.state,
		Ready:      rec.state == StateReady,
		UnitStatus: UnitUnknown,
		Generation: rec.gen,
		UpdatedAt:  rec.updated,
	}
	if rec.unit != nil {
		st.UnitStatus = rec.unit.Status()
		st.HealthURL = rec.unit.HealthURL()
	}
	return st
}

// deviceLock serializes Ensure and Remove for one device ID.
// Entries are reference counted and dropped when unused.
type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// Registry is the in-memory source of truth for simulated devices.
//
// It reconciles each device against its backing unit through a Runtime and
// gates usability on a readiness probe. Nothing is persisted: after a restart
// Rebuild recovers the records from the runtime's managed units.
//
// All public methods are thread-safe.
type Registry struct {
	runtime Runtime
	prober  Prober
	opts    Options

	mu      sync.RWMutex // Protects records
	records map[string]*record

	locksMu sync.Mutex
	locks   map[string]*deviceLock

	gen      atomic.Uint64
	now      func() time.Time
	logger   Logger
	observer atomic.Pointer[func(Status)]
}

// NewRegistry creates a registry backed by runtime and prober.
func NewRegistry(runtime Runtime, prober Prober, opts Options) *Registry {
	return &Registry{
		runtime: runtime,
		prober:  prober,
		opts:    opts.withDefaults(),
		records: make(map[string]*record),
		locks:   make(map[string]*deviceLock),
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetObserver registers fn to receive a snapshot after every record change.
// fn is called without registry locks held. A nil fn removes the observer.
func (r *Registry) SetObserver(fn func(Status)) {
	if fn == nil {
		r.observer.Store(nil)
		return
	}
	r.observer.Store(&fn)
}

// ============================================================================
// Reconciliation
// ============================================================================

// Ensure makes device id of the given kind exist with exactly one live backing
// unit configured as cfg, then waits for it to become ready.
//
// Reconciliation, in order:
//  1. No unit exists: start one.
//  2. The unit has another kind: stop it, then start a new one.
//  3. A reader is asked for a door association it does not have: recreate.
//  4. The unit is not running: restart it in place.
//  5. Otherwise nothing changes.
//
// A reader requested without a door keeps whatever association it has.
// Failing to become ready within the ensure budget is not an error: the
// returned status has Ready false and state starting.
//
// Returns:
//   - Status: Snapshot after reconciliation and readiness polling
//   - error: Invalid input or a runtime failure
func (r *Registry) Ensure(ctx context.Context, kind Kind, id string, cfg Config) (Status, error) {
	if !kind.Valid() {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := ValidateID(id); err != nil {
		return Status{}, err
	}
	cfg = cfg.normalise(kind)

	st, probe, err := r.reconcile(ctx, kind, id, cfg)
	if err != nil || !probe {
		return st, err
	}
	return r.awaitReady(ctx, st), nil
}

// reconcile applies one reconciliation step under the device lock.
// It reports whether the caller should poll readiness afterwards.
func (r *Registry) reconcile(ctx context.Context, kind Kind, id string, cfg Config) (Status, bool, error) {
	unlock := r.lockDevice(id)
	defer unlock()

	unit, err := r.lookupUnit(ctx, id)
	if err != nil {
		return Status{}, false, err
	}

	switch {
	case unit == nil:
		return r.start(ctx, kind, id, cfg)

	case unit.Kind() != kind:
		r.logger.Info("device kind changed, recreating",
			"device_id", id, "observed", unit.Kind(), "requested", kind)
		return r.recreate(ctx, unit, kind, id, cfg)

	case kind == KindReader && cfg.DoorID != "" && unit.ObservedConfig().DoorID != cfg.DoorID:
		r.logger.Info("reader door association changed, recreating",
			"device_id", id, "observed", unit.ObservedConfig().DoorID, "requested", cfg.DoorID)
		return r.recreate(ctx, unit, kind, id, cfg)

	case unit.Status() != UnitRunning:
		r.logger.Info("backing unit not running, restarting",
			"device_id", id, "unit_status", unit.Status())
		restarted, err := r.runtime.Restart(ctx, unit)
		if err != nil {
			return Status{}, false, fmt.Errorf("restarting %s %s: %w", kind, id, err)
		}
		return r.store(id, kind, restarted.ObservedConfig(), restarted), true, nil

	default:
		return r.adopt(id, kind, unit)
	}
}

// lookupUnit returns the live unit for id, or nil when there is none.
func (r *Registry) lookupUnit(ctx context.Context, id string) (Unit, error) {
	unit, err := r.runtime.Get(ctx, id)
	if errors.Is(err, ErrUnitNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting unit %s: %w", id, err)
	}
	return unit, nil
}

func (r *Registry) start(ctx context.Context, kind Kind, id string, cfg Config) (Status, bool, error) {
	unit, err := r.runtime.Start(ctx, kind, id, cfg)
	if err != nil {
		r.drop(id)
		return Status{}, false, fmt.Errorf("starting %s %s: %w", kind, id, err)
	}
	r.logger.Info("backing unit started", "device_id", id, "kind", kind, "door_id", cfg.DoorID)
	return r.store(id, kind, cfg, unit), true, nil
}

// recreate stops the old unit before starting the new one. If the stop
// succeeds and the start fails, the record is gone.
func (r *Registry) recreate(ctx context.Context, old Unit, kind Kind, id string, cfg Config) (Status, bool, error) {
	prev := r.setState(id, StateStopping)
	if err := r.runtime.Stop(ctx, old); err != nil {
		r.setState(id, prev)
		return Status{}, false, fmt.Errorf("stopping %s: %w", id, err)
	}
	return r.start(ctx, kind, id, cfg)
}

// adopt records a running unit that already matches the request.
func (r *Registry) adopt(id string, kind Kind, unit Unit) (Status, bool, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		rec = &record{kind: kind, state: StateStarting, gen: r.nextGen(), updated: r.now()}
		r.records[id] = rec
	}
	rec.unit = unit
	rec.cfg = unit.ObservedConfig().normalise(kind)
	if rec.state == StateAbsent {
		rec.state = StateStarting
	}
	st := rec.status(id)
	r.mu.Unlock()

	if !ok {
		r.logger.Info("adopted running unit", "device_id", id, "kind", kind)
		r.notify(st)
	}
	return st, st.State != StateReady, nil
}

// awaitReady polls readiness outside the device lock. The result is only
// recorded if the record was not replaced or removed meanwhile.
func (r *Registry) awaitReady(ctx context.Context, st Status) Status {
	ok := r.prober.WaitReady(ctx, st.HealthURL, r.opts.EnsureTimeout)

	r.mu.Lock()
	rec, exists := r.records[st.DeviceID]
	switch {
	case !exists:
		r.mu.Unlock()
		st.State = StateAbsent
		st.Ready = false
		return st
	case rec.gen != st.Generation:
		current := rec.status(st.DeviceID)
		r.mu.Unlock()
		return current
	}

	if ok && rec.state == StateStarting {
		rec.state = StateReady
		rec.updated = r.now()
	}
	current := rec.status(st.DeviceID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("device ready", "device_id", st.DeviceID)
		r.notify(current)
	} else {
		r.logger.Warn("device not ready within timeout",
			"device_id", st.DeviceID, "timeout", r.opts.EnsureTimeout)
	}
	return current
}

// Remove stops the device's backing unit and forgets the device.
//
// Returns:
//   - bool: false when neither a record nor a unit existed
//   - error: If the runtime failed to stop the unit
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	unlock := r.lockDevice(id)
	defer unlock()

	r.mu.RLock()
	_, known := r.records[id]
	r.mu.RUnlock()

	unit, err := r.lookupUnit(ctx, id)
	if err != nil {
		return false, err
	}
	if !known && unit == nil {
		return false, nil
	}

	if unit != nil {
		prev := r.setState(id, StateStopping)
		if err := r.runtime.Stop(ctx, unit); err != nil {
			r.setState(id, prev)
			return false, fmt.Errorf("stopping %s: %w", id, err)
		}
	}

	r.drop(id)
	r.logger.Info("device removed", "device_id", id)
	return true, nil
}

// ============================================================================
// Queries
// ============================================================================

// List returns a snapshot of every device of the given kind ("" for all),
// sorted by ID. Each entry is probed once, concurrently, with the short list
// budget; a successful probe promotes a starting device to ready.
func (r *Registry) List(ctx context.Context, kind Kind) []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.records))
	for id, rec := range r.records {
		if kind != "" && rec.kind != kind {
			continue
		}
		statuses = append(statuses, rec.status(id))
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceID < statuses[j].DeviceID
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ListParallelism)
	for i := range statuses {
		g.Go(func() error {
			statuses[i] = r.refresh(gctx, statuses[i])
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probes never return errors

	return statuses
}

// Get returns a probed snapshot of one device.
// Returns ErrDeviceNotFound if the device has no record.
func (r *Registry) Get(ctx context.Context, id string) (Status, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	var st Status
	if ok {
		st = rec.status(id)
	}
	r.mu.RUnlock()

	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return r.refresh(ctx, st), nil
}

// refresh probes one snapshot with the list budget.
func (r *Registry) refresh(ctx context.Context, st Status) Status {
	if st.State == StateStopping || st.HealthURL == "" {
		st.Ready = false
		return st
	}
	st.Ready = r.prober.WaitReady(ctx, st.HealthURL, r.opts.ListTimeout)
	if st.Ready && st.State != StateReady && r.promote(st.DeviceID, st.Generation) {
		st.State = StateReady
	}
	return st
}

// promote marks a starting record ready if it is still generation gen.
func (r *Registry) promote(id string, gen uint64) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.gen != gen || rec.state != StateStarting {
		r.mu.Unlock()
		return false
	}
	rec.state = StateReady
	rec.updated = r.now()
	st := rec.status(id)
	r.mu.Unlock()

	r.notify(st)
	return true
}

// DoorFor returns the door a reader is configured to open.
func (r *Registry) DoorFor(readerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[readerID]
	if !ok || rec.kind != KindReader || rec.cfg.DoorID == "" {
		return "", false
	}
	return rec.cfg.DoorID, true
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// RegistryStats summarises the registry without probing any unit.
type RegistryStats struct {
	Total   int                    `json:"total"`
	ByKind  map[Kind]int           `json:"by_kind"`
	ByState map[LifecycleState]int `json:"by_state"`
}

// Stats returns device counts by kind and lifecycle state.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:   len(r.records),
		ByKind:  make(map[Kind]int),
		ByState: make(map[LifecycleState]int),
	}
	for _, rec := range r.records {
		stats.ByKind[rec.kind]++
		stats.ByState[rec.state]++
	}
	return stats
}

// Rebuild recovers records from the units the runtime already manages.
// Running units start as starting (the next probe promotes them); others are
// recorded as absent so the next Ensure restarts them. Existing records are
// left untouched.
//
// Returns:
//   - int: Number of records created
//   - error: If the runtime could not list its units
func (r *Registry) Rebuild(ctx context.Context) (int, error) {
	units, err := r.runtime.List(ctx, ManagedSelector())
	if err != nil {
		return 0, fmt.Errorf("listing managed units: %w", err)
	}

	r.mu.Lock()
	added := 0
	for _, u := range units {
		id := u.ID()
		if _, exists := r.records[id]; exists || !u.Kind().Valid() {
			continue
		}
		state := StateStarting
		if u.Status() != UnitRunning {
			state = StateAbsent
		}
		r.records[id] = &record{
			kind:    u.Kind(),
			cfg:     u.ObservedConfig().normalise(u.Kind()),
			unit:    u,
			state:   state,
			gen:     r.nextGen(),
			updated: r.now(),
		}
		added++
	}
	r.mu.Unlock()

	r.logger.Info("device registry rebuilt", "units", len(units), "added", added)
	return added, nil
}

// ============================================================================
// Internals
// ============================================================================

// store replaces the record for id with a fresh starting generation.
func (r *Registry) store(id string, kind Kind, cfg Config, unit Unit) Status {
	rec := &record{
		kind:    kind,
		cfg:     cfg.normalise(kind),
		unit:    unit,
		state:   StateStarting,
		gen:     r.nextGen(),
		updated: r.now(),
	}

	r.mu.Lock()
	r.records[id] = rec
	st := rec.status(id)
	r.mu.Unlock()

	r.notify(st)
	return st
}

// setState changes a record's state and returns the previous one.
// An empty state leaves the record untouched.
func (r *Registry) setState(id string, state LifecycleState) LifecycleState {
	if state == "" {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ""
	}
	prev := rec.state
	rec.state = state
	rec.updated = r.now()
	return prev
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	if ok {
		r.notify(Status{
			DeviceID:   id,
			Kind:       rec.kind,
			State:      StateAbsent,
			UnitStatus: UnitUnknown,
			Generation: rec.gen,
			UpdatedAt:  r.now(),
		})
	}
}

func (r *Registry) nextGen() uint64 {
	return r.gen.Add(1)
}

func (r *Registry) notify(st Status) {
	if fn := r.observer.Load(); fn != nil {
		(*fn)(st)
	}
}

// lockDevice acquires the per-device lock and returns its release function.
func (r *Registry) lockDevice(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &deviceLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

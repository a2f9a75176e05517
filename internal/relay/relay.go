package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// Logger defines the logging interface used by the Relay.
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

// MQTTClient is the subset of the bus client the relay uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DoorResolver looks up a reader's registered door association.
// *device.Registry satisfies it.
type DoorResolver interface {
	DoorFor(readerID string) (string, bool)
}

// WSHub is the interface for broadcasting monitoring events.
type WSHub interface {
	Broadcast(channel string, payload any)
}

// Stats are cumulative relay counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	Debounced     uint64 `json:"debounced"`
	Unroutable    uint64 `json:"unroutable"`
	Malformed     uint64 `json:"malformed"`
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publish_failed"`
	Dropped       uint64 `json:"dropped"`
	AutoCloses    uint64 `json:"auto_closes"`
}

type counters struct {
	received, accepted, rejected, debounced, unroutable  atomic.Uint64
	malformed, published, publishFailed, dropped, closes atomic.Uint64
}

// doorState is the debounce and auto-close state of one door.
// gen increases on every accepted trigger; a timer only fires for the
// generation that armed it.
type doorState struct {
	mu          sync.Mutex
	lastTrigger time.Time
	timer       Timer
	gen         uint64
}

// Relay turns badge events into door commands.
//
// Events are consumed from one bus subscription (single ordered consumer).
// Accepted triggers are routed to a door, debounced per door, and the
// resulting commands go through a bounded outbound queue drained by one
// publisher goroutine, so event handling never waits on the bus.
//
// Thread Safety: all methods are safe for concurrent use.
type Relay struct {
	mqtt     MQTTClient
	resolver DoorResolver
	hub      WSHub
	cfg      Config
	clock    Clock
	logger   Logger
	topics   mqtt.Topics

	doorsMu sync.Mutex
	doors   map[string]*doorState

	queue chan message.DoorCommand
	stats counters

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a relay.
//
// Parameters:
//   - client: Bus client for the events subscription and door commands
//   - resolver: Reader to door fallback routing (may be nil)
//   - hub: Monitoring hub (may be nil)
//   - cfg: Routing and timing settings
//
// Returns:
//   - *Relay: Ready to Start
//   - error: ErrInvalidConfig for unusable settings
func New(client MQTTClient, resolver DoorResolver, hub WSHub, cfg Config) (*Relay, error) {
	cfg.OpenAction = strings.ToLower(cfg.OpenAction)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Relay{
		mqtt:     client,
		resolver: resolver,
		hub:      hub,
		cfg:      cfg,
		clock:    systemClock{},
		logger:   noopLogger{},
		doors:    make(map[string]*doorState),
		queue:    make(chan message.DoorCommand, cfg.QueueSize),
	}, nil
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock replaces the time source. Must be called before Start.
func (r *Relay) SetClock(c Clock) {
	r.clock = c
}

// Config returns the active settings.
func (r *Relay) Config() Config {
	return r.cfg
}

// Stats returns a snapshot of the counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Received:      r.stats.received.Load(),
		Accepted:      r.stats.accepted.Load(),
		Rejected:      r.stats.rejected.Load(),
		Debounced:     r.stats.debounced.Load(),
		Unroutable:    r.stats.unroutable.Load(),
		Malformed:     r.stats.malformed.Load(),
		Published:     r.stats.published.Load(),
		PublishFailed: r.stats.publishFailed.Load(),
		Dropped:       r.stats.dropped.Load(),
		AutoCloses:    r.stats.closes.Load(),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start subscribes to reader events and starts the publisher goroutine.
// The subscription survives reconnects; it is replayed by the bus client.
func (r *Relay) Start(ctx context.Context) error {
	if r.mqtt == nil {
		return ErrMQTTUnavailable
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running.Load() {
		return ErrAlreadyRunning
	}

	if err := r.mqtt.Subscribe(r.cfg.EventsTopic, r.cfg.QoS, r.HandleEvent); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.cfg.EventsTopic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.run(runCtx, r.done)

	r.logger.Info("relay started",
		"events_topic", r.cfg.EventsTopic,
		"open_action", r.cfg.OpenAction,
		"debounce", r.cfg.Debounce,
		"auto_close", r.cfg.AutoClose,
	)
	return nil
}

// Stop unsubscribes, cancels pending auto-close timers and stops the
// publisher. Commands still queued are discarded and counted as dropped.
func (r *Relay) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	r.cancel()

	if err := r.mqtt.Unsubscribe(r.cfg.EventsTopic); err != nil {
		r.logger.Debug("relay unsubscribe failed", "error", err)
	}

	r.doorsMu.Lock()
	for _, ds := range r.doors {
		ds.mu.Lock()
		if ds.timer != nil {
			ds.timer.Stop()
			ds.timer = nil
		}
		ds.gen++
		ds.mu.Unlock()
	}
	r.doorsMu.Unlock()

	<-r.done
	discarded := r.drain()
	r.logger.Info("relay stopped", "discarded", discarded)
}

// drain empties the outbound queue without publishing.
func (r *Relay) drain() int {
	n := 0
	for {
		select {
		case <-r.queue:
			n++
			r.stats.dropped.Add(1)
		default:
			return n
		}
	}
}

// run drains the outbound queue until ctx is cancelled.
func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.queue:
			if ctx.Err() != nil {
				r.stats.dropped.Add(1)
				return
			}
			r.publish(cmd)
		}
	}
}

// ============================================================================
// Event handling
// ============================================================================

// HandleEvent processes one reader event. It is the bus handler for the
// events subscription and never returns an error: every outcome is
// counted and logged here.
func (r *Relay) HandleEvent(topic string, payload []byte) error {
	r.stats.received.Add(1)

	ev, err := message.DecodeBadgeEvent(topic, payload)
	if err != nil {
		r.stats.malformed.Add(1)
		r.logger.Debug("dropping malformed badge event", "topic", topic, "error", err)
		return nil
	}
	r.broadcast(message.EventBadge, ev.ReaderID, ev)

	if !ev.Success {
		r.stats.rejected.Add(1)
		r.logger.Debug("badge rejected by reader", "reader_id", ev.ReaderID, "badge_id", ev.BadgeID)
		return nil
	}

	doorID, via := r.route(ev)
	if doorID == "" {
		r.stats.unroutable.Add(1)
		r.logger.Warn("no door for badge event", "reader_id", ev.ReaderID, "badge_id", ev.BadgeID)
		return nil
	}
	if err := checkDoorID(doorID); err != nil {
		r.stats.malformed.Add(1)
		r.logger.Warn("dropping badge event for invalid door",
			"reader_id", ev.ReaderID, "door_id", doorID, "routed_by", via)
		return nil
	}

	accepted, queued := r.trigger(doorID, ev.ReaderID, ev.BadgeID, false)
	if !accepted && !r.running.Load() {
		r.logger.Debug("relay stopped, dropping badge event", "door_id", doorID)
		return nil
	}
	if !accepted {
		r.stats.debounced.Add(1)
		r.logger.Debug("badge event debounced", "door_id", doorID, "reader_id", ev.ReaderID)
		return nil
	}

	r.stats.accepted.Add(1)
	if !queued {
		r.logger.Warn("badge accepted but door command not queued", "door_id", doorID)
	}
	r.logger.Info("badge accepted",
		"door_id", doorID, "reader_id", ev.ReaderID, "badge_id", ev.BadgeID, "routed_by", via)
	return nil
}

// route picks the target door: explicit door id, then the static map,
// then the reader's registered association.
func (r *Relay) route(ev message.BadgeEvent) (doorID, via string) {
	if ev.DoorID != "" {
		return ev.DoorID, "event"
	}
	if d, ok := r.cfg.DoorMap[ev.ReaderID]; ok && d != "" {
		return d, "door_map"
	}
	if r.resolver != nil && ev.ReaderID != "" {
		if d, ok := r.resolver.DoorFor(ev.ReaderID); ok {
			return d, "registry"
		}
	}
	return "", ""
}

// OpenDoor queues the open action for doorID, bypassing debounce. The
// auto-close timer is (re)armed like for a badge.
func (r *Relay) OpenDoor(doorID string) error {
	doorID = strings.TrimSpace(doorID)
	if err := checkDoorID(doorID); err != nil {
		return err
	}
	accepted, queued := r.trigger(doorID, "", "", true)
	if !accepted {
		return ErrNotRunning
	}
	if !queued {
		return ErrQueueFull
	}
	r.logger.Info("manual door open", "door_id", doorID)
	return nil
}

// checkDoorID rejects door ids that cannot form a publish topic, such as
// ones holding MQTT wildcards or separators.
func checkDoorID(doorID string) error {
	if err := device.ValidateID(doorID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDoor, doorID)
	}
	return nil
}

// trigger applies debounce, queues the open command and arms auto-close,
// all under the door's lock. It reports whether the trigger passed debounce
// and whether its command was queued. A stopped relay accepts nothing.
func (r *Relay) trigger(doorID, readerID, badgeID string, force bool) (accepted, queued bool) {
	ds := r.door(doorID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !r.running.Load() {
		return false, false
	}

	now := r.clock.Now()
	if !force && !ds.lastTrigger.IsZero() && now.Sub(ds.lastTrigger) < r.cfg.Debounce {
		return false, false
	}
	ds.lastTrigger = now
	ds.gen++

	if ds.timer != nil {
		ds.timer.Stop()
		ds.timer = nil
	}

	queued = r.enqueue(message.DoorCommand{
		Action:    r.cfg.OpenAction,
		DoorID:    doorID,
		Source:    message.SourceRelay,
		ReaderID:  readerID,
		BadgeID:   badgeID,
		Success:   true,
		Timestamp: now,
	})

	if r.cfg.AutoClose > 0 {
		gen := ds.gen
		ds.timer = r.clock.AfterFunc(r.cfg.AutoClose, func() {
			r.autoClose(doorID, gen)
		})
	}
	return true, queued
}

// autoClose fires for generation gen; superseded timers do nothing.
func (r *Relay) autoClose(doorID string, gen uint64) {
	ds := r.door(doorID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.gen != gen || ds.timer == nil || !r.running.Load() {
		return
	}
	ds.timer = nil

	r.stats.closes.Add(1)
	r.enqueue(message.DoorCommand{
		Action:    message.ActionClose,
		DoorID:    doorID,
		Source:    message.SourceRelay,
		Timestamp: r.clock.Now(),
	})
	r.logger.Debug("auto-close queued", "door_id", doorID)
}

func (r *Relay) door(doorID string) *doorState {
	r.doorsMu.Lock()
	defer r.doorsMu.Unlock()

	ds, ok := r.doors[doorID]
	if !ok {
		ds = &doorState{}
		r.doors[doorID] = ds
	}
	return ds
}

// ============================================================================
// Publishing
// ============================================================================

// enqueue never blocks; a full queue drops the command.
func (r *Relay) enqueue(cmd message.DoorCommand) bool {
	select {
	case r.queue <- cmd:
		return true
	default:
		r.stats.dropped.Add(1)
		r.logger.Warn("outbound queue full, dropping door command",
			"door_id", cmd.DoorID, "action", cmd.Action)
		return false
	}
}

func (r *Relay) publish(cmd message.DoorCommand) {
	topic := r.topics.FormatDoorCommands(r.cfg.DoorCommandFormat, cmd.DoorID)

	payload, err := cmd.Encode()
	if err != nil {
		r.stats.publishFailed.Add(1)
		r.logger.Error("encoding door command", "door_id", cmd.DoorID, "error", err)
		return
	}

	if err := r.mqtt.Publish(topic, payload, r.cfg.QoS, false); err != nil {
		r.stats.publishFailed.Add(1)
		r.logger.Warn("door command publish failed",
			"topic", topic, "action", cmd.Action, "error", err)
		return
	}

	r.stats.published.Add(1)
	r.broadcast(message.EventRelayCommand, cmd.DoorID, cmd)
}

func (r *Relay) broadcast(eventType, deviceID string, data any) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(eventType, message.NewMonitorEvent(eventType, deviceID, data))
}

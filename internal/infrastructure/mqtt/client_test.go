package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-access-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Fake paho client
// =============================================================================

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakePaho records calls and lets tests push messages to subscribers.
type fakePaho struct {
	mu         sync.Mutex
	connected  bool
	published  []fakeMessage
	subscribed map[string]pahomqtt.MessageHandler
	subCalls   int
	subErr     error
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, subscribed: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakePaho) IsConnectionOpen() bool  { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token { return fakeToken{} }
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	f.published = append(f.published, fakeMessage{topic: topic, payload: body})
	return fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return fakeToken{err: f.subErr}
	}
	f.subscribed[topic] = cb
	return fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}
func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return fakeToken{}
}
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// deliver pushes a message to the callback registered for pattern.
func (f *fakePaho) deliver(pattern, topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subscribed[pattern]
	f.mu.Unlock()
	if cb != nil {
		cb(f, fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) publishedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, m := range f.published {
		out = append(out, m.topic)
	}
	return out
}

// connectedClient returns a Client wired to a fake paho client, connected.
func connectedClient(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	c := newClient(testConfig())
	fake := newFakePaho()
	c.client = fake
	c.handleConnect()
	t.Cleanup(func() { c.Close() })
	return c, fake
}

type captureLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func (l *captureLogger) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns), len(l.errs)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHandleConnect_PublishesOnlineStatus(t *testing.T) {
	c, fake := connectedClient(t)

	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after handleConnect")
	}
	topics := fake.publishedTopics()
	if len(topics) != 1 || topics[0] != "iot/status/graylogic-access-test" {
		t.Errorf("published = %v, want online status", topics)
	}
}

func TestHandleDisconnect_UpdatesStateAndCallback(t *testing.T) {
	c, _ := connectedClient(t)

	lost := make(chan error, 1)
	c.SetOnDisconnect(func(err error) { lost <- err })

	changed := c.State().Changed()
	cause := errors.New("network down")
	c.handleDisconnect(cause)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("state change not signalled")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if !errors.Is(c.State().LastError(), cause) {
		t.Errorf("LastError() = %v, want %v", c.State().LastError(), cause)
	}
	select {
	case err := <-lost:
		if !errors.Is(err, cause) {
			t.Errorf("callback err = %v", err)
		}
	default:
		t.Error("OnDisconnect callback not invoked")
	}
}

func TestHealthCheck(t *testing.T) {
	c, _ := connectedClient(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	c.handleDisconnect(nil)
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c, _ := connectedClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c, _ := connectedClient(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"multi-level wildcard", "iot/porte/#/commands", []byte("x"), 1, ErrInvalidTopic},
		{"single-level wildcard", "iot/porte/+/commands", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "iot/test", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "iot/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"nil payload", "iot/test", nil, 1, nil},
		{"valid", "iot/test", []byte("ok"), 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Publish() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishDisconnected(t *testing.T) {
	c, _ := connectedClient(t)
	c.handleDisconnect(errors.New("gone"))

	err := c.Publish("iot/test", []byte("x"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishJSON(t *testing.T) {
	c, fake := connectedClient(t)

	if err := c.PublishJSON("iot/porte/p1/commands", map[string]string{"action": "open"}, 1, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	if err := c.PublishJSON("iot/x", make(chan int), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON(chan) error = %v, want ErrPublishFailed", err)
	}

	fake.mu.Lock()
	last := fake.published[len(fake.published)-1]
	fake.mu.Unlock()
	if string(last.payload) != `{"action":"open"}` {
		t.Errorf("payload = %s", last.payload)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribeValidation(t *testing.T) {
	c, _ := connectedClient(t)
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("iot/x", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := c.Subscribe("iot/x", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
}

func TestSubscribe_OrderedSingleConsumer(t *testing.T) {
	c, fake := connectedClient(t)

	const n = 50
	var (
		mu       sync.Mutex
		got      []string
		inFlight int
		overlap  bool
	)
	done := make(chan struct{})

	err := c.Subscribe(Topics{}.AllReaderEvents(), 1, func(topic string, payload []byte) error {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		got = append(got, string(payload))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < n; i++ {
		fake.deliver(Topics{}.AllReaderEvents(), Topics{}.ReaderEvents("r1"), []byte{byte('A' + i%26)})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Error("handler ran concurrently with itself")
	}
	for i, p := range got {
		if p != string(rune('A'+i%26)) {
			t.Fatalf("message %d = %q, out of order", i, p)
		}
	}
}

func TestSubscribe_WhileDisconnectedAppliedOnConnect(t *testing.T) {
	c := newClient(testConfig())
	fake := newFakePaho()
	fake.connected = false
	c.client = fake
	defer c.Close()

	received := make(chan string, 1)
	err := c.Subscribe("iot/porte/p1/commands", 1, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() while disconnected error = %v", err)
	}
	if fake.subCalls != 0 {
		t.Fatalf("broker subscribe issued while disconnected")
	}

	fake.mu.Lock()
	fake.connected = true
	fake.mu.Unlock()
	c.handleConnect()

	fake.deliver("iot/porte/p1/commands", "iot/porte/p1/commands", []byte("open"))
	select {
	case p := <-received:
		if p != "open" {
			t.Errorf("payload = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered after connect")
	}
}

func TestSubscribe_RestoredOnReconnect(t *testing.T) {
	c, fake := connectedClient(t)

	if err := c.Subscribe("iot/a", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe("iot/b", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatal(err)
	}

	c.handleDisconnect(errors.New("lost"))
	before := fake.subCalls
	c.handleConnect()

	if fake.subCalls-before != 2 {
		t.Errorf("re-subscribe calls = %d, want 2", fake.subCalls-before)
	}
	if c.SubscriptionCount() != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", c.SubscriptionCount())
	}
}

func TestSubscribe_BrokerErrorUntracks(t *testing.T) {
	c, fake := connectedClient(t)
	fake.subErr = errors.New("not authorised")

	err := c.Subscribe("iot/secret", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.HasSubscription("iot/secret") {
		t.Error("failed subscription still tracked")
	}
}

func TestUnsubscribe(t *testing.T) {
	c, _ := connectedClient(t)

	if err := c.Subscribe("iot/a", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if !c.HasSubscription("iot/a") {
		t.Fatal("HasSubscription() = false after Subscribe")
	}
	if err := c.Unsubscribe("iot/a"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription("iot/a") {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
}

func TestHandlerErrorAndPanicAreLogged(t *testing.T) {
	c, fake := connectedClient(t)
	logger := &captureLogger{}
	c.SetLogger(logger)

	calls := make(chan struct{}, 2)
	err := c.Subscribe("iot/x", 1, func(_ string, payload []byte) error {
		defer func() { calls <- struct{}{} }()
		if string(payload) == "panic" {
			panic("boom")
		}
		return errors.New("handler error")
	})
	if err != nil {
		t.Fatal(err)
	}

	fake.deliver("iot/x", "iot/x", []byte("err"))
	fake.deliver("iot/x", "iot/x", []byte("panic"))

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		warns, errs := logger.counts()
		if warns == 1 && errs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("warns=%d errs=%d, want 1 and 1", warns, errs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

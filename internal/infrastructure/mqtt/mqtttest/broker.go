// Package mqtttest provides an in-memory MQTT broker for tests.
//
// Clients created from a Broker have the same Publish/Subscribe surface as
// mqtt.Client: topic wildcards, retained messages, one ordered consumer per
// subscription and an explicit connection state that tests can toggle to
// simulate outages.
package mqtttest

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
)

// Message is one publication seen by the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	From     string
	At       time.Time
}

// Broker routes messages between in-memory clients.
type Broker struct {
	mu        sync.Mutex
	clients   map[*Client]struct{}
	retained  map[string]Message
	published []Message
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[*Client]struct{}),
		retained: make(map[string]Message),
	}
}

// NewClient attaches a connected client with the given id.
func (b *Broker) NewClient(id string) *Client {
	c := &Client{
		broker: b,
		id:     id,
		state:  mqtt.NewConnState(),
		subs:   make(map[string]*subscription),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	c.state.Set(true, nil)
	return c
}

// Inject publishes a message as if it came from an external client.
func (b *Broker) Inject(topic string, payload []byte, retained bool) {
	b.route(Message{Topic: topic, Payload: payload, QoS: 1, Retained: retained, From: "external", At: time.Now()})
}

// Published returns every message whose topic matches pattern, in order.
func (b *Broker) Published(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if mqtt.Match(pattern, m.Topic) {
			out = append(out, m)
		}
	}
	return out
}

// Count returns how many published messages match pattern.
func (b *Broker) Count(pattern string) int {
	return len(b.Published(pattern))
}

// Retained returns the retained message stored for topic.
func (b *Broker) Retained(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.retained[topic]
	return m, ok
}

// Wait polls until at least n messages match pattern or timeout elapses.
func (b *Broker) Wait(pattern string, n int, timeout time.Duration) ([]Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		msgs := b.Published(pattern)
		if len(msgs) >= n {
			return msgs, true
		}
		if time.Now().After(deadline) {
			return msgs, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reset forgets the publication history. Retained messages are kept.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

// SetConnected toggles the connection state of every attached client.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.SetConnected(connected)
	}
}

func (b *Broker) detach(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// route records msg and fans it out to matching subscriptions.
func (b *Broker) route(msg Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	if msg.Retained {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg
		}
	}
	var targets []*subscription
	for c := range b.clients {
		if !c.IsConnected() {
			continue
		}
		targets = append(targets, c.matching(msg.Topic)...)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

// retainedFor returns retained messages matching pattern.
func (b *Broker) retainedFor(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for topic, m := range b.retained {
		if mqtt.Match(pattern, topic) {
			out = append(out, m)
		}
	}
	return out
}

package mqtttest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
)

// Client is an in-memory bus client attached to a Broker.
type Client struct {
	broker *Broker
	id     string
	state  *mqtt.ConnState

	mu         sync.Mutex
	subs       map[string]*subscription
	publishErr error
	closed     bool
}

// Publish routes payload through the broker.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := mqtt.ValidatePublishTopic(topic); err != nil {
		return err
	}
	if qos > 2 {
		return mqtt.ErrInvalidQoS
	}
	c.mu.Lock()
	err := c.publishErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.IsConnected() {
		return mqtt.ErrNotConnected
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	c.broker.route(Message{Topic: topic, Payload: body, QoS: qos, Retained: retained, From: c.id, At: time.Now()})
	return nil
}

// PublishRetained publishes a retained message at QoS 1.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, 1, true)
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(topic string, v any, qos byte, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(topic, payload, qos, retained)
}

// Subscribe registers handler with its own ordered consumer. Matching
// retained messages are delivered first.
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if topic == "" {
		return mqtt.ErrInvalidTopic
	}
	if qos > 2 {
		return mqtt.ErrInvalidQoS
	}
	if handler == nil {
		return mqtt.ErrSubscribeFailed
	}

	sub := newSubscription(topic, handler)
	c.mu.Lock()
	if prev, ok := c.subs[topic]; ok {
		prev.stop()
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	if c.IsConnected() {
		for _, m := range c.broker.retainedFor(topic) {
			sub.enqueue(m)
		}
	}
	return nil
}

// Unsubscribe stops delivery for topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.stop()
	}
	return nil
}

// IsConnected reports the simulated connection state.
func (c *Client) IsConnected() bool {
	return c.state.Connected()
}

// State exposes the connection state object.
func (c *Client) State() *mqtt.ConnState {
	return c.state
}

// QoS returns the default QoS level.
func (c *Client) QoS() byte { return 1 }

// SetConnected simulates a connection loss or recovery for this client.
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed && connected {
		return
	}
	var err error
	if !connected {
		err = mqtt.ErrNotConnected
	}
	c.state.Set(connected, err)
}

// FailPublishes makes every Publish return err until called with nil.
func (c *Client) FailPublishes(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close detaches the client and stops its consumers.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for topic, sub := range c.subs {
		sub.stop()
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	c.broker.detach(c)
	c.state.Set(false, nil)
	return nil
}

func (c *Client) matching(topic string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*subscription
	for pattern, sub := range c.subs {
		if mqtt.Match(pattern, topic) {
			out = append(out, sub)
		}
	}
	return out
}

// subscription queues messages without bound so that a handler publishing
// from inside its own callback never deadlocks the broker.
type subscription struct {
	handler mqtt.MessageHandler

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(_ string, handler mqtt.MessageHandler) *subscription {
	s := &subscription{
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.consume()
	return s
}

func (s *subscription) enqueue(m Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) consume() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			_ = s.handler(m.Topic, m.Payload)
		}
	}
}

package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// inboxSize bounds the messages buffered for one subscription consumer.
// When full, paho's delivery goroutine waits, which applies backpressure.
const inboxSize = 256

type inbound struct {
	topic   string
	payload []byte
}

// subscription is one tracked topic pattern and its single consumer.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler

	inbox    chan inbound
	done     chan struct{}
	stopOnce sync.Once
	client   *Client
}

func (c *Client) newSubscription(topic string, qos byte, handler MessageHandler) *subscription {
	sub := &subscription{
		topic:   topic,
		qos:     qos,
		handler: handler,
		inbox:   make(chan inbound, inboxSize),
		done:    make(chan struct{}),
		client:  c,
	}
	go sub.consume()
	return sub
}

// deliver is registered with paho. It only hands the message to the consumer.
func (s *subscription) deliver(_ pahomqtt.Client, msg pahomqtt.Message) {
	select {
	case s.inbox <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	case <-s.done:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// consume runs the handler for each message in order until stopped.
func (s *subscription) consume() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

// handle runs the handler with panic recovery and optional logging.
func (s *subscription) handle(msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			if logger := s.client.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", msg.topic,
					"panic", r,
				)
			}
		}
	}()

	if err := s.handler(msg.topic, msg.payload); err != nil {
		if logger := s.client.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error",
				"topic", msg.topic,
				"error", err,
			)
		}
	}
}

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "iot/badgeuse/+/events" matches every reader
//   - # (multi-level): "iot/#" matches all simulator topics
//
// One consumer goroutine is started per subscription. When the client is
// not connected yet the subscription is recorded and applied on connect.
// Subscribing again to the same pattern replaces the previous handler.
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.AllReaderEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if c.client == nil {
		return ErrNotConnected
	}

	sub := c.newSubscription(topic, qos, handler)

	c.subMu.Lock()
	if prev, ok := c.subscriptions[topic]; ok {
		prev.stop()
	}
	c.subscriptions[topic] = sub
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, qos, sub.deliver)
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.dropSubscription(topic, sub)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.dropSubscription(topic, sub)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// dropSubscription removes sub from tracking if it is still the current one.
func (c *Client) dropSubscription(topic string, sub *subscription) {
	c.subMu.Lock()
	if c.subscriptions[topic] == sub {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()
	sub.stop()
}

// Unsubscribe removes a subscription and stops its consumer.
//
// Parameters:
//   - topic: The exact topic pattern that was subscribed to
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.subMu.Lock()
	sub, ok := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
	if ok {
		sub.stop()
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

// SubscriptionCount returns the number of active subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription checks if a subscription exists for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}

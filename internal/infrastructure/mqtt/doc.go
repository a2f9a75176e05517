// Package mqtt provides MQTT client connectivity for the access simulator.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - An explicit connection state object with change notifications
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, one ordered consumer each
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// Readers, doors, the relay and the orchestrator only talk through the
// broker. The topic tree is fixed:
//
//	iot/badgeuse/{id}/events    badge scans
//	iot/badgeuse/{id}/commands  simulated scans requested by an operator
//	iot/porte/{id}/state        retained door state
//	iot/porte/{id}/commands     open, close, toggle
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllReaderEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	topic := mqtt.Topics{}.DoorCommands("porte-001")
//	client.Publish(topic, []byte(`{"action":"open"}`), 1, false)
//
// Tests use the in-memory broker in package mqtttest.
package mqtt

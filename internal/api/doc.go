// Package api implements the HTTP REST API and monitoring WebSocket of the
// access simulator orchestrator.
//
// This package provides:
//   - Device endpoints backed by the device registry (ensure, list, get, remove)
//   - Proxies to a unit's own HTTP surface (health, badge scan, door action)
//   - Floor plan storage endpoints
//   - Relay configuration, counters and manual door override
//   - A WebSocket hub streaming monitoring events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits between the workspace UI and the device registry. Device
// operations go through the registry, which reconciles them against the
// configured runtime. Badge scans and door actions are forwarded over HTTP
// to the unit backing the device, so they exercise the same path a
// physical device would (unit publishes on the bus, relay reacts).
//
// # Monitoring
//
// Events reach the hub from three places: registry changes (observer),
// the relay (badge events, door commands) and the bus (door states, and
// badge events when no relay runs). Each WebSocket frame is one
// message.MonitorEvent. New clients receive the most recent events first.
//
// # Graceful Degradation
//
// The server operates without MQTT, without a relay and without a plan
// store; the affected endpoints answer 503 and the stream carries what
// remains.
package api

// Package logging provides structured logging for the access simulator.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the orchestrator, the relay and
// every simulated device unit.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("relay").Info("door command published", "door_id", id)
//
// Never log broker passwords.
package logging

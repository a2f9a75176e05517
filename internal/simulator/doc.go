// Package simulator implements the behaviour of simulated devices: badge
// readers and doors. Every backing-unit runtime runs the same code, whether
// in-process (worker), in a container or as a subprocess of cmd/iotdevice.
//
// Topics:
//
//	iot/badgeuse/+/commands      reader commands (filtered by reader id)
//	iot/badgeuse/{id}/events     badge scans
//	iot/porte/{id}/commands      door commands
//	iot/porte/{id}/state         retained door state
//
// HTTP surface:
//
//	GET  /health                 200 while connected to the bus, else 503
//	POST /badge                  reader: publish a scan
//	GET  /state                  door: current state
//	POST /open|/close|/toggle    door: apply an action directly
package simulator

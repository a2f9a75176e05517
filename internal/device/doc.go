// Package device provides the Device Registry for the access simulator.
//
// The Device Registry is the in-memory catalogue of simulated badge readers
// ("badgeuse") and doors ("porte"). Each device is backed by exactly one unit
// (an in-process worker, a container or a subprocess) created through a
// Runtime, and is only reported ready once its health endpoint answers.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                       Device Registry                         │
//	│                                                               │
//	│  Ensure ──▶ per-device lock ──▶ reconcile ──▶ Runtime         │
//	│                                   │           (worker/docker/ │
//	│                                   ▼            process)       │
//	│                          WaitReady (no lock) ──▶ Prober       │
//	│                                                               │
//	│  List ──▶ snapshot ──▶ parallel single probes (errgroup)      │
//	│  DoorFor ──▶ read-only resolver used by the event relay       │
//	└───────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Kind: badgeuse (reader) or porte (door)
//   - Config: desired configuration (a reader's door association)
//   - Unit: opaque backing-unit handle reported by a Runtime
//   - Status: snapshot returned to callers; records never leave the package
//
// # Usage
//
//	reg := device.NewRegistry(rt, readiness.New(cfg.Readiness), device.Options{
//	    EnsureTimeout: cfg.Readiness.EnsureTimeout,
//	    ListTimeout:   cfg.Readiness.ListTimeout,
//	})
//	reg.SetLogger(log)
//
//	// Recover units left running by a previous orchestrator.
//	if _, err := reg.Rebuild(ctx); err != nil {
//	    return err
//	}
//
//	st, err := reg.Ensure(ctx, device.KindReader, "badgeuse-001",
//	    device.Config{DoorID: "porte-001"})
//
// # Thread Safety
//
// Ensure and Remove are serialized per device ID; different IDs proceed in
// parallel. Readiness polling never holds a device lock, and a result is only
// recorded if the record's generation is unchanged.
package device

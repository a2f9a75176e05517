// Package process runs simulated devices as subprocesses of the unit
// binary (cmd/iotdevice).
//
// Each unit is supervised by a Supervisor:
//   - The child runs in its own process group; Stop sends SIGTERM to the
//     group, then SIGKILL after the graceful timeout
//   - Unexpected exits are restarted with exponential backoff
//   - stdout and stderr go to {state_dir}/{id}.log
//
// The runtime records every unit in {state_dir}/{id}.json (labels, port,
// pid). Close detaches without killing, so a new runtime over the same
// directory adopts the running units and the device registry can rebuild
// from List. Liveness of adopted units is checked through the process
// table.
//
// Example usage:
//
//	rt, err := process.New(cfg.Runtime.Process, process.BusFrom(cfg.MQTT))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	unit, err := rt.Start(ctx, device.KindDoor, "porte-001", device.Config{})
package process

// Package driver provides protocol drivers for field devices.
//
// A driver owns one transport connection to one device and exposes a
// uniform action vocabulary to the template executor: the executor
// does not know whether "read the weight" means a Modbus register
// read, an MQTT subscription or a line of text over a serial port.
//
// Supported protocols:
//   - modbus_tcp / modbus_rtu — goburrow/modbus client
//   - mqtt — per-device broker client (internal/infrastructure/mqtt)
//   - serial — goburrow/serial raw port I/O
//   - tcp — raw socket I/O
//
// Drivers are constructed through New, which selects the variant from
// the device's protocol type and connection params. With
// Options.SimulateOnConnectFail set, a Modbus driver whose endpoint is
// unreachable degrades to a simulator that synthesises plausible scale
// readings, so the rest of the pipeline can run without hardware.
//
// All exported methods are safe for concurrent use; the device
// manager additionally serialises actions per device so transports
// never interleave frames.
package driver

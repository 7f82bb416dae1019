// Package runtime keeps enabled devices alive.
//
// The Manager owns one goroutine per enabled device. Each goroutine runs
// the device lifecycle: connect (with capped exponential backoff), run
// the template's setup steps once, then either poll on the configured
// interval or — for MQTT devices — idle while inbound messages drive the
// state. Every state transition publishes a weight_update message on the
// event bus, which the WebSocket layer fans out to clients.
//
// Manual step execution (tare, zero, relay pulses) arrives over the REST
// API and is serialised against the poll cycle per device, so a command
// never interleaves with an in-flight read on the same connection.
//
// State is held in memory only. Readings are transient by design: a
// restart starts every device offline and the next poll repopulates.
package runtime

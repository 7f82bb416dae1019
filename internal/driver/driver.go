package driver

import (
	"context"
	"fmt"
	"strings"
)

// Driver is the uniform transport contract the template executor and
// device manager program against.
//
// Lifecycle: New → RegisterMessageHandler (optional) → Connect →
// Execute... → Disconnect. Execute on a disconnected driver returns
// ErrNotConnected rather than reconnecting; reconnection policy
// belongs to the device manager.
type Driver interface {
	// Connect establishes the transport connection. A failure is
	// wrapped in ErrConnectFailed; the detail is also retained for
	// LastError.
	Connect(ctx context.Context) error

	// Disconnect releases the transport. Safe to call when already
	// disconnected.
	Disconnect() error

	// IsConnected reports whether the driver considers itself usable,
	// including simulated mode.
	IsConnected() bool

	// Execute runs one namespaced action (e.g. "modbus.read_input_registers")
	// with the given params and returns the action's result map.
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)

	// RegisterMessageHandler installs the callback for asynchronous
	// inbound messages. Only the MQTT driver dispatches it; the other
	// variants accept and ignore the registration.
	RegisterMessageHandler(fn func(topic string, payload []byte))

	// LastError returns the detail of the most recent connection
	// failure, or "" when none occurred.
	LastError() string
}

// Logger is the minimal logging surface drivers need.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// Options tunes driver construction.
type Options struct {
	// SimulateOnConnectFail lets a Modbus driver whose endpoint is
	// unreachable mark itself connected and synthesise readings.
	SimulateOnConnectFail bool

	// Logger receives connection and simulation events. May be nil.
	Logger Logger
}

// New builds the driver variant for a protocol type.
//
// Parameters:
//   - protocolType: one of modbus, modbus_tcp, modbus_rtu, mqtt,
//     serial, tcp (case-insensitive)
//   - connParams: the device's connection params, JSON-decoded
//   - opts: simulation and logging options
//
// Returns:
//   - Driver: an unconnected driver
//   - error: ErrUnsupportedProtocol for an unknown type
func New(protocolType string, connParams map[string]any, opts Options) (Driver, error) {
	if connParams == nil {
		connParams = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(protocolType)) {
	case "modbus", "modbus_tcp", "modbus_rtu":
		return newModbusDriver(connParams, opts), nil
	case "mqtt":
		return newMQTTDriver(connParams, opts), nil
	case "serial":
		return newSerialDriver(connParams, opts), nil
	case "tcp":
		return newTCPDriver(connParams, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocolType)
	}
}

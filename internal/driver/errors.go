package driver

import "errors"

// Domain-specific errors for driver operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnsupportedProtocol is returned by New for an unknown protocol type.
	ErrUnsupportedProtocol = errors.New("driver: unsupported protocol type")

	// ErrConnectFailed is returned when a connection attempt fails.
	// The wrapped cause carries the transport detail.
	ErrConnectFailed = errors.New("driver: connect failed")

	// ErrNotConnected is returned when executing an action on a
	// disconnected driver.
	ErrNotConnected = errors.New("driver: not connected")

	// ErrUnsupportedAction is returned for an action the driver's
	// protocol does not implement.
	ErrUnsupportedAction = errors.New("driver: unsupported action")

	// ErrInvalidParams is returned when an action or connection
	// parameter cannot be coerced to the expected type.
	ErrInvalidParams = errors.New("driver: invalid params")

	// ErrTimeout is returned when a receive deadline expires.
	ErrTimeout = errors.New("driver: timeout")
)

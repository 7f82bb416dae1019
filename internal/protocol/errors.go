package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for template execution.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrStepNotFound is returned by RunManualStep for an unknown step id.
	ErrStepNotFound = errors.New("protocol: step not found")

	// ErrStepNotManual is returned by RunManualStep when the located
	// step's trigger is not "manual".
	ErrStepNotManual = errors.New("protocol: step is not manual trigger")

	// ErrWriteNotAllowed is returned when a write action (register/coil
	// write, MQTT publish) is executed outside a manual-step call.
	ErrWriteNotAllowed = errors.New("protocol: write action not allowed here")

	// ErrNoMessageHandler is returned by RunMessageHandler when the
	// template declares no message_handler.
	ErrNoMessageHandler = errors.New("protocol: template has no message_handler")

	// ErrUnsupportedParse is returned for an unrecognised parse type.
	ErrUnsupportedParse = errors.New("protocol: unsupported parse type")

	// ErrUnsupportedTransform is returned for an unrecognised transform action.
	ErrUnsupportedTransform = errors.New("protocol: unsupported transform action")

	// ErrInvalidTemplate is the sentinel wrapped by ValidationError.
	ErrInvalidTemplate = errors.New("protocol: invalid template")
)

// ValidationError collects every problem found in a template body so the
// API can report them all in one response rather than one at a time.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidTemplate, strings.Join(e.Problems, "; "))
}

// Unwrap lets errors.Is(err, ErrInvalidTemplate) match.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidTemplate
}

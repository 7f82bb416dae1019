package store

import "errors"

// Domain errors for the store package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, store.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrTemplateNotFound is returned when a protocol template ID does not exist.
	ErrTemplateNotFound = errors.New("store: template not found")

	// ErrTemplateExists is returned when creating a template whose name is taken.
	ErrTemplateExists = errors.New("store: template already exists")

	// ErrTemplateInUse is returned when deleting or renaming a template that
	// devices still reference.
	ErrTemplateInUse = errors.New("store: template in use")

	// ErrSystemTemplate is returned when deleting a built-in template.
	ErrSystemTemplate = errors.New("store: system template")

	// ErrDeviceNotFound is returned when a device ID or code does not exist.
	ErrDeviceNotFound = errors.New("store: device not found")

	// ErrDeviceExists is returned when creating a device whose name or code is taken.
	ErrDeviceExists = errors.New("store: device already exists")

	// ErrInvalidDeviceCode is returned when a device code fails validation
	// after normalisation.
	ErrInvalidDeviceCode = errors.New("store: invalid device code")

	// ErrInvalidName is returned when a name is empty or too long.
	ErrInvalidName = errors.New("store: invalid name")
)

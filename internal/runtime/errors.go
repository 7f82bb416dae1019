package runtime

import "errors"

// ErrRuntimeNotFound is returned when an operation targets a device that
// has no running runtime (disabled, removed, or never started).
var ErrRuntimeNotFound = errors.New("runtime: device not running")

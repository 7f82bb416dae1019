package runtime

import (
	"sync"
	"time"

	"github.com/quantix-io/quantix-connect/internal/protocol"
)

// Device status values carried on every published message.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
	StatusError   = "error"
)

// Message is the wire shape pushed to WebSocket clients and embedded in
// device listings. Weight, Timestamp and Error are pointers so JSON
// renders null rather than a zero value when unknown.
type Message struct {
	Type       string   `json:"type"`
	DeviceID   int64    `json:"device_id"`
	DeviceCode string   `json:"device_code"`
	DeviceName string   `json:"device_name"`
	Weight     *float64 `json:"weight"`
	Unit       string   `json:"unit"`
	Timestamp  *string  `json:"timestamp"`
	Status     string   `json:"status"`
	Error      *string  `json:"error"`
}

// State is the mutable per-device runtime state.
//
// The poll goroutine writes it, manual-step RPCs read the accumulated
// step results, and snapshot requests read everything, so all access
// goes through the mutex.
//
// Offline and error transitions keep the last weight and unit: a scale
// that drops off the network still shows its final reading alongside the
// error.
type State struct {
	mu          sync.Mutex
	deviceID    int64
	deviceCode  string
	deviceName  string
	status      string
	weight      *float64
	unit        string
	timestamp   *string
	err         *string
	stepResults protocol.Steps
}

// NewState creates a state starting offline with the default unit.
func NewState(deviceID int64, deviceCode, deviceName string) *State {
	return &State{
		deviceID:    deviceID,
		deviceCode:  deviceCode,
		deviceName:  deviceName,
		status:      StatusOffline,
		unit:        "kg",
		stepResults: protocol.Steps{},
	}
}

// MarkOnline records a successful reading. A nil weight is valid: the
// device answered but the output did not coerce to a number.
func (s *State) MarkOnline(weight *float64, unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOnline
	s.weight = weight
	s.unit = unit
	s.err = nil
	s.timestamp = nowPtr()
}

// MarkOffline records a disconnect or stop. An empty reason clears the
// error field.
func (s *State) MarkOffline(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOffline
	if reason == "" {
		s.err = nil
	} else {
		s.err = &reason
	}
	s.timestamp = nowPtr()
}

// MarkError records a step or handler failure. The connection may still
// be up; the next cycle retries.
func (s *State) MarkError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.err = &reason
	s.timestamp = nowPtr()
}

// Message renders the current state as a publishable weight_update.
func (s *State) Message() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Message{
		Type:       "weight_update",
		DeviceID:   s.deviceID,
		DeviceCode: s.deviceCode,
		DeviceName: s.deviceName,
		Weight:     s.weight,
		Unit:       s.unit,
		Timestamp:  s.timestamp,
		Status:     s.status,
		Error:      s.err,
	}
}

// StepResults returns a copy of the accumulated step results, safe to
// hand to the executor without further locking.
func (s *State) StepResults() protocol.Steps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepResults.Clone()
}

// SetStepResults replaces the accumulated results wholesale, as a
// completed poll cycle does.
func (s *State) SetStepResults(steps protocol.Steps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepResults = steps
}

// MergeStepResults folds new results over the existing map, as setup
// completion does.
func (s *State) MergeStepResults(steps protocol.Steps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range steps {
		s.stepResults[id] = r
	}
}

func nowPtr() *string {
	ts := time.Now().UTC().Format(time.RFC3339)
	return &ts
}

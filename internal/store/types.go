package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Field length limits enforced before persistence. The MySQL schema carries
// matching VARCHAR widths; SQLite relies on these checks alone.
const (
	MaxNameLength         = 100
	MaxProtocolTypeLength = 50
	MaxDeviceCodeLength   = 64
)

// deviceCodePattern constrains normalised device codes: upper-case
// alphanumeric start, then alphanumerics, underscores or hyphens.
var deviceCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,63}$`)

// ProtocolTemplate is a stored protocol definition.
//
// Template holds the JSON template body verbatim; parsing and validation of
// its contents belong to the protocol package. IsSystem marks the built-in
// templates seeded by migrations, which cannot be deleted.
type ProtocolTemplate struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	ProtocolType string          `json:"protocol_type"`
	Template     json.RawMessage `json:"template"`
	IsSystem     bool            `json:"is_system"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Device is a stored device row.
//
// DeviceCode is the stable external identifier used by PLCs and line
// systems; it is normalised (upper-case, trimmed) before persistence and
// unique across the installation. ConnectionParams feed the driver factory
// and TemplateVariables fill template placeholders.
type Device struct {
	ID                 int64          `json:"id"`
	DeviceCode         string         `json:"device_code"`
	Name               string         `json:"name"`
	ProtocolTemplateID int64          `json:"protocol_template_id"`
	ConnectionParams   map[string]any `json:"connection_params"`
	TemplateVariables  map[string]any `json:"template_variables"`
	PollInterval       float64        `json:"poll_interval"`
	Enabled            bool           `json:"enabled"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NormaliseDeviceCode returns the canonical form of a device code:
// surrounding whitespace removed and letters upper-cased. Lookups and
// writes both normalise first, so "scale-01 " and "SCALE-01" address the
// same device.
func NormaliseDeviceCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateDeviceCode checks a normalised device code against the allowed
// pattern.
//
// Returns:
//   - error: ErrInvalidDeviceCode (wrapped with the offending value), or nil
func ValidateDeviceCode(code string) error {
	if !deviceCodePattern.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceCode, code)
	}
	return nil
}

// validateName checks a display name for templates and devices.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	return nil
}

// Validate checks the template row fields that the store enforces.
// Template body validation is the protocol package's concern.
func (t *ProtocolTemplate) Validate() error {
	if err := validateName(t.Name); err != nil {
		return err
	}
	if t.ProtocolType == "" || len(t.ProtocolType) > MaxProtocolTypeLength {
		return fmt.Errorf("%w: protocol_type", ErrInvalidName)
	}
	return nil
}

// Validate normalises and checks the device row fields the store enforces.
// The device code is rewritten to its canonical form as a side effect.
func (d *Device) Validate() error {
	d.DeviceCode = NormaliseDeviceCode(d.DeviceCode)
	if err := ValidateDeviceCode(d.DeviceCode); err != nil {
		return err
	}
	if err := validateName(d.Name); err != nil {
		return err
	}
	return nil
}

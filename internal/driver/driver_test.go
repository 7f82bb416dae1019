package driver

import (
	"errors"
	"testing"
)

// ─── Factory Tests ───

func TestNew(t *testing.T) {
	protocolTypes := []string{
		"modbus", "modbus_tcp", "modbus_rtu", "MODBUS_TCP",
		"mqtt", "serial", "tcp", " tcp ",
	}

	for _, protocolType := range protocolTypes {
		t.Run(protocolType, func(t *testing.T) {
			d, err := New(protocolType, map[string]any{}, Options{})
			if err != nil {
				t.Fatalf("New(%q) error = %v", protocolType, err)
			}
			if d == nil {
				t.Fatalf("New(%q) = nil driver", protocolType)
			}
		})
	}
}

func TestNewUnsupportedProtocol(t *testing.T) {
	_, err := New("zigbee", nil, Options{})
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("New(zigbee) error = %v, want ErrUnsupportedProtocol", err)
	}
}

func TestNewNilParams(t *testing.T) {
	d, err := New("modbus", nil, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d == nil {
		t.Fatal("New() = nil driver for nil params")
	}
}

// ─── Param Coercion Tests ───

func TestParamString(t *testing.T) {
	params := map[string]any{
		"host":    "10.0.0.1",
		"port":    float64(502),
		"count":   3,
		"enabled": true,
		"missing": nil,
	}

	tests := []struct {
		key  string
		def  string
		want string
	}{
		{"host", "x", "10.0.0.1"},
		{"port", "x", "502"},
		{"count", "x", "3"},
		{"enabled", "x", "true"},
		{"missing", "dflt", "dflt"},
		{"absent", "dflt", "dflt"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := paramString(params, tt.key, tt.def); got != tt.want {
				t.Errorf("paramString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestParamInt(t *testing.T) {
	params := map[string]any{
		"int":       7,
		"float":     float64(2.9),
		"strInt":    "3",
		"strFloat":  "1.5",
		"strSpaced": " 42 ",
		"strEmpty":  "",
		"bool":      true,
		"bad":       "not-a-number",
	}

	tests := []struct {
		key     string
		def     int
		want    int
		wantErr bool
	}{
		{"int", 0, 7, false},
		{"float", 0, 2, false},
		{"strInt", 0, 3, false},
		{"strFloat", 0, 1, false},
		{"strSpaced", 0, 42, false},
		{"strEmpty", 9, 9, false},
		{"bool", 0, 1, false},
		{"absent", 5, 5, false},
		{"bad", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := paramInt(params, tt.key, tt.def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("paramInt(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("paramInt(%q) error = %v, want ErrInvalidParams", tt.key, err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("paramInt(%q) = %d, want %d", tt.key, got, tt.want)
			}
		})
	}
}

func TestParamFloat(t *testing.T) {
	params := map[string]any{
		"float":  float64(1.5),
		"int":    2,
		"string": "0.25",
		"bad":    "soup",
	}

	if got, err := paramFloat(params, "float", 0); err != nil || got != 1.5 {
		t.Errorf("paramFloat(float) = %v, %v, want 1.5", got, err)
	}
	if got, err := paramFloat(params, "int", 0); err != nil || got != 2.0 {
		t.Errorf("paramFloat(int) = %v, %v, want 2.0", got, err)
	}
	if got, err := paramFloat(params, "string", 0); err != nil || got != 0.25 {
		t.Errorf("paramFloat(string) = %v, %v, want 0.25", got, err)
	}
	if got, err := paramFloat(params, "absent", 1.0); err != nil || got != 1.0 {
		t.Errorf("paramFloat(absent) = %v, %v, want default 1.0", got, err)
	}
	if _, err := paramFloat(params, "bad", 0); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("paramFloat(bad) error = %v, want ErrInvalidParams", err)
	}
}

func TestParamBool(t *testing.T) {
	params := map[string]any{
		"true":    true,
		"num":     float64(1),
		"zero":    0,
		"yes":     "yes",
		"off":     "off",
		"unknown": "maybe",
	}

	tests := []struct {
		key  string
		def  bool
		want bool
	}{
		{"true", false, true},
		{"num", false, true},
		{"zero", true, false},
		{"yes", false, true},
		{"off", true, false},
		{"unknown", true, true},
		{"absent", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := paramBool(params, tt.key, tt.def); got != tt.want {
				t.Errorf("paramBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name     string
		data     any
		encoding string
		want     []byte
		wantErr  bool
	}{
		{"text", "WS?", "text", []byte("WS?"), false},
		{"default encoding", "tare", "", []byte("tare"), false},
		{"hex", "57 53 3f", "hex", []byte{0x57, 0x53, 0x3f}, false},
		{"hex no spaces", "0a0d", "hex", []byte{0x0a, 0x0d}, false},
		{"bad hex", "zz", "hex", nil, true},
		{"bytes passthrough", []byte{1, 2}, "hex", []byte{1, 2}, false},
		{"number", float64(12), "text", []byte("12"), false},
		{"nil data", nil, "text", []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodePayload(tt.data, tt.encoding)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("encodePayload() error = %v, want ErrInvalidParams", err)
				}
				return
			}
			if string(got) != string(tt.want) {
				t.Errorf("encodePayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

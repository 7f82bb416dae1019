package driver

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Connection and action params arrive as JSON-decoded maps, and
// template placeholder rendering turns numbers into strings, so every
// accessor coerces across string/number/bool representations rather
// than asserting a single Go type.

// paramString returns the string form of params[key], or def when absent.
func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// paramInt returns params[key] as an int, or def when absent.
// Floats truncate; numeric strings parse.
func paramInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return def, nil
		}
		if i, err := strconv.Atoi(trimmed); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int(f), nil
		}
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidParams, key, n)
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParams, key, v)
	}
}

// paramFloat returns params[key] as a float64, or def when absent.
func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidParams, key, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParams, key, v)
	}
}

// paramBool returns params[key] as a bool, or def when absent.
// Numbers follow truthiness; strings accept 1/true/yes/on.
func paramBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true
		case "", "0", "false", "no", "off":
			return false
		default:
			return def
		}
	default:
		return def
	}
}

// encodePayload converts a send action's data param to wire bytes.
//
// encoding "hex" parses hexadecimal digits (spaces tolerated, e.g.
// "57 53 20"); anything else sends the text as UTF-8.
func encodePayload(data any, encoding string) ([]byte, error) {
	if raw, ok := data.([]byte); ok {
		return raw, nil
	}
	text := ""
	if data != nil {
		if s, ok := data.(string); ok {
			text = s
		} else {
			text = fmt.Sprintf("%v", data)
		}
	}
	if encoding == "hex" {
		cleaned := strings.ReplaceAll(text, " ", "")
		raw, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("%w: data is not valid hex: %v", ErrInvalidParams, err)
		}
		return raw, nil
	}
	return []byte(text), nil
}

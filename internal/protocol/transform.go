package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Transform actions evaluate locally in the executor; they never reach a
// driver. Each takes its source from params["input"] (usually a
// placeholder referencing an earlier step's result).

// runTransform dispatches a transform.* action against resolved params.
func runTransform(action string, params map[string]any) (any, error) {
	source := params["input"]
	text := transformText(source)

	switch action {
	case "transform.base64_decode":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
		return decoded, nil

	case "transform.hex_decode":
		cleaned := strings.ReplaceAll(strings.TrimSpace(text), " ", "")
		decoded, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("hex decode: %w", err)
		}
		return decoded, nil

	case "transform.regex_extract":
		pattern := paramText(params, "pattern")
		group := paramGroup(params, "group", 1)
		return regexExtract(text, pattern, group)

	case "transform.substring":
		start, end := sliceBounds(params, len([]rune(text)))
		return sliceString(text, start, end), nil

	case "transform.struct_parse":
		format := paramText(params, "format")
		raw, ok := source.([]byte)
		if !ok {
			raw = []byte(text)
		}
		values, err := unpackStruct(format, raw)
		if err != nil {
			return nil, err
		}
		if fields := fieldNames(params["fields"]); len(fields) > 0 {
			return zipStructFields(fields, values), nil
		}
		return values, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransform, action)
	}
}

// regexExtract searches text with pattern and returns the capture group,
// or nil when the pattern does not match.
func regexExtract(text, pattern string, group int) (any, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return nil, nil
	}
	if group < 0 || group >= len(match) {
		return nil, fmt.Errorf("pattern %q has no group %d", pattern, group)
	}
	return match[group], nil
}

// sliceString slices by rune index with the usual lenient semantics:
// negative indices count from the end, out-of-range bounds clamp.
func sliceString(text string, start, end int) string {
	runes := []rune(text)
	n := len(runes)

	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// sliceBounds reads start/end slice params, defaulting to the full text.
func sliceBounds(params map[string]any, textLen int) (int, int) {
	start := 0
	if v, ok := intParam(params["start"]); ok {
		start = v
	}
	end := textLen
	if v, ok := intParam(params["end"]); ok {
		end = v
	}
	return start, end
}

// transformText renders a transform input as text, decoding bytes lossily.
func transformText(source any) string {
	switch v := source.(type) {
	case nil:
		return ""
	case []byte:
		return utf8Lossy(v)
	case string:
		return v
	default:
		return stringify(v)
	}
}

func paramText(params map[string]any, key string) string {
	return transformText(params[key])
}

func paramGroup(params map[string]any, key string, def int) int {
	if v, ok := intParam(params[key]); ok {
		return v
	}
	return def
}

// intParam coerces a resolved param to int across the representations
// placeholder rendering produces.
func intParam(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		if v == "" {
			return 0, false
		}
		var i int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &i); err == nil {
			return i, true
		}
	}
	return 0, false
}

// fieldNames coerces a fields param (JSON list) to a string slice.
func fieldNames(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

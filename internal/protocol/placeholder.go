package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches ${path} occurrences inside string leaves.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// segmentPattern constrains each dot-path segment to identifier form.
var segmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// resolveValue deep-renders a params or output shape against the context.
//
// Maps and lists recurse. A string that is exactly one ${path} placeholder
// is replaced by the resolved value with its type preserved (int stays
// int, list stays list). A string mixing placeholders with literal text
// renders each occurrence with stringify, using "" for null.
func resolveValue(value any, context map[string]any) any {
	switch v := value.(type) {
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			resolved[key] = resolveValue(item, context)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = resolveValue(item, context)
		}
		return resolved
	case string:
		return resolveString(v, context)
	default:
		return value
	}
}

// resolveString renders one string leaf.
func resolveString(value string, context map[string]any) any {
	matches := placeholderPattern.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return value
	}

	// Full-string placeholder keeps the resolved value's type.
	if len(matches) == 1 && strings.TrimSpace(value) == "${"+matches[0][1]+"}" {
		return lookupPath(matches[0][1], context)
	}

	rendered := value
	for _, m := range matches {
		resolved := lookupPath(m[1], context)
		rendered = strings.ReplaceAll(rendered, "${"+m[1]+"}", stringify(resolved))
	}
	return rendered
}

// lookupPath walks a dot-path through nested maps. Any segment that is
// not identifier-shaped, or any non-final value that is not a map,
// resolves the whole path to nil.
func lookupPath(path string, context map[string]any) any {
	var current any = context
	for _, part := range strings.Split(path, ".") {
		if !segmentPattern.MatchString(part) {
			return nil
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// stringify renders a resolved value for mixed-string substitution.
// Floats drop the trailing ".0" noise JSON decoding introduces; nil
// renders empty.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return utf8Lossy(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// utf8Lossy decodes bytes dropping invalid sequences, mirroring a
// decode with errors ignored.
func utf8Lossy(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

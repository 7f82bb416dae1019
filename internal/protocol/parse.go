package protocol

import (
	"fmt"
)

// applyParse runs a step's parse pipeline over the raw driver result.
//
// Parameters:
//   - parse: the step's parse configuration
//   - raw: the raw action result
//   - context: the execution context (steps, variables, payload)
//
// Returns:
//   - any: the parsed value bound under steps.<id>.result
//   - error: on an unknown parse type or a pipeline failure
func applyParse(parse *Parse, raw any, context map[string]any) (any, error) {
	switch parse.Type {
	case "expression":
		return evalParseExpression(parse.Expression, raw, context)

	case "regex":
		group := parse.Group
		if group == 0 {
			group = 1
		}
		return regexExtract(payloadAsString(raw), parse.Pattern, group)

	case "substring":
		text := payloadAsString(raw)
		start := 0
		if parse.Start != nil {
			start = *parse.Start
		}
		end := len([]rune(text))
		if parse.End != nil {
			end = *parse.End
		}
		return sliceString(text, start, end), nil

	case "struct":
		payload := rawPayloadBytes(raw)
		values, err := unpackStruct(parse.Format, payload)
		if err != nil {
			return nil, err
		}
		if len(parse.Fields) > 0 {
			return zipStructFields(parse.Fields, values), nil
		}
		return values, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedParse, parse.Type)
	}
}

// evalParseExpression binds the expression namespace and evaluates.
//
// The namespace is the execution context (variables, steps, payload)
// overlaid with the raw result's registers, coils and payload text, so
// `registers[0]` and `${slave_id}`-style variables are both reachable.
func evalParseExpression(expression string, raw any, context map[string]any) (any, error) {
	names := make(map[string]any, len(context)+3)
	for key, value := range context {
		names[key] = value
	}

	names["registers"] = resultList(raw, "registers")
	names["coils"] = resultList(raw, "coils")
	names["payload"] = payloadAsString(raw)
	if steps, ok := context["steps"]; ok {
		names["steps"] = steps
	} else {
		names["steps"] = map[string]any{}
	}

	return EvalExpression(expression, names)
}

// resultList pulls a named list out of a raw result map, defaulting to
// an empty list so expressions can index without nil checks.
func resultList(raw any, key string) any {
	if m, ok := raw.(map[string]any); ok {
		if v, present := m[key]; present && v != nil {
			return v
		}
	}
	return []any{}
}

// payloadAsString renders a raw result as text: a map's payload field is
// preferred, bytes decode lossily, everything else stringifies.
func payloadAsString(raw any) string {
	if m, ok := raw.(map[string]any); ok {
		if payload, present := m["payload"]; present && payload != nil {
			switch p := payload.(type) {
			case []byte:
				return utf8Lossy(p)
			case string:
				return p
			default:
				return stringify(p)
			}
		}
	}
	if b, ok := raw.([]byte); ok {
		return utf8Lossy(b)
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}

// rawPayloadBytes extracts the payload bytes for struct parsing.
func rawPayloadBytes(raw any) []byte {
	if m, ok := raw.(map[string]any); ok {
		switch p := m["payload"].(type) {
		case []byte:
			return p
		case string:
			return []byte(p)
		case nil:
			return nil
		default:
			return []byte(stringify(p))
		}
	}
	if b, ok := raw.([]byte); ok {
		return b
	}
	return nil
}

package protocol

import (
	"reflect"
	"testing"
)

// ─── Placeholder Resolution ───

func TestResolveValueTypePreservation(t *testing.T) {
	context := map[string]any{
		"count":  3,
		"scale":  0.001,
		"active": true,
		"items":  []any{1, 2},
		"nested": map[string]any{"inner": "x"},
		"steps": map[string]any{
			"read": map[string]any{"result": 12340},
		},
	}

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"int stays int", "${count}", 3},
		{"float stays float", "${scale}", 0.001},
		{"bool stays bool", "${active}", true},
		{"list stays list", "${items}", []any{1, 2}},
		{"map stays map", "${nested}", map[string]any{"inner": "x"}},
		{"dot path", "${steps.read.result}", 12340},
		{"surrounding space tolerated", " ${count} ", 3},
		{"mixed renders string", "n=${count}", "n=3"},
		{"mixed float", "w=${scale}kg", "w=0.001kg"},
		{"two placeholders", "${count}/${scale}", "3/0.001"},
		{"missing yields nil", "${absent}", nil},
		{"missing in mixed yields empty", "x${absent}y", "xy"},
		{"non-map traversal yields nil", "${count.sub}", nil},
		{"bad segment yields nil", "${steps.read-bad}", nil},
		{"no placeholder passthrough", "plain", "plain"},
		{"non-string passthrough", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveValue(tt.value, context)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolveValue(%v) = %v (%T), want %v (%T)", tt.value, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestResolveValueRecursesShapes(t *testing.T) {
	context := map[string]any{"topic": "scale/data", "qos": 1}

	value := map[string]any{
		"params": map[string]any{"topic": "${topic}", "qos": "${qos}"},
		"list":   []any{"${topic}", "literal"},
	}

	got := resolveValue(value, context).(map[string]any)

	params := got["params"].(map[string]any)
	if params["topic"] != "scale/data" || params["qos"] != 1 {
		t.Errorf("params = %v, want resolved topic and int qos", params)
	}
	list := got["list"].([]any)
	if list[0] != "scale/data" || list[1] != "literal" {
		t.Errorf("list = %v, want [scale/data literal]", list)
	}
}

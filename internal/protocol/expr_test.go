package protocol

import (
	"strings"
	"testing"
)

// ─── Arithmetic and Literals ───

func TestEvalExpressionArithmetic(t *testing.T) {
	names := map[string]any{
		"registers": []any{1, 12340},
		"weight":    12.5,
		"count":     3,
	}

	tests := []struct {
		expr string
		want any
	}{
		{"1 + 2", 3},
		{"2 * 3 + 4", 10},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
		{"-7 % 3", 2}, // sign of the divisor
		{"-5", -5},
		{"1.5 + 2.5", 4.0},
		{"registers[0] * 65536 + registers[1]", 77876},
		{"registers[-1]", 12340},
		{"weight * 2", 25.0},
		{"count + 1", 4},
		{"'kg' + '/s'", "kg/s"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, names)
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEvalExpressionComparisonsAndLogic(t *testing.T) {
	names := map[string]any{"weight": 12.5, "status": "ok"}

	tests := []struct {
		expr string
		want any
	}{
		{"weight > 10", true},
		{"weight <= 12.5", true},
		{"weight == 12.5", true},
		{"weight != 12.5", false},
		{"2 == 2.0", true},
		{"status == 'ok'", true},
		{"weight > 10 && status == 'ok'", true},
		{"weight > 10 and status == 'ok'", true},
		{"weight > 100 || status == 'ok'", true},
		{"weight > 100 or status == 'ok'", true},
		{"!true", false},
		{"not false", true},
		// and/or return operand values, not booleans.
		{"0 or 42", 42},
		{"'' or 'fallback'", "fallback"},
		{"1 and 'kept'", "kept"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, names)
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

// ─── Whitelisted Functions ───

func TestEvalExpressionFunctions(t *testing.T) {
	names := map[string]any{
		"payload": `{"weight": 37.5, "t": 1}`,
		"values":  []any{3, 1, 2},
	}

	tests := []struct {
		expr string
		want any
	}{
		{"int(12.9)", 12},
		{"int('42')", 42},
		{"float('37.5')", 37.5},
		{"float(2)", 2.0},
		{"str(12.5)", "12.5"},
		{"abs(-3)", 3},
		{"abs(-2.5)", 2.5},
		{"round(2.6)", 3},
		{"round(2.345, 2)", 2.34},
		{"min(3, 1, 2)", 1},
		{"max(values)", 3},
		{"len('abcd')", 4},
		{"len(values)", 3},
		{"json.get(json.loads(payload), 'weight')", 37.5},
		{"json.get(json.loads(payload), 'missing', -1)", -1},
		{"float(json.get(json.loads(payload), 'weight'))", 37.5},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, names)
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEvalExpressionMemberAccess(t *testing.T) {
	names := map[string]any{
		"steps": map[string]any{
			"read_weight": map[string]any{"result": 12340},
		},
	}

	got, err := EvalExpression("steps.read_weight.result / 1000", names)
	if err != nil {
		t.Fatalf("EvalExpression() error = %v", err)
	}
	if got != 12.34 {
		t.Errorf("EvalExpression() = %v, want 12.34", got)
	}
}

// ─── Sandbox and Failure Modes ───

func TestEvalExpressionErrors(t *testing.T) {
	names := map[string]any{"registers": []any{1}}

	tests := []struct {
		name    string
		expr    string
		wantSub string
	}{
		{"unknown name", "imported_module", "unknown name"},
		{"unknown function", "open('/etc/passwd')", "unknown function"},
		{"not callable", "(1)(2)", "not callable"},
		{"index out of range", "registers[5]", "out of range"},
		{"division by zero", "1 / 0", "division by zero"},
		{"unterminated string", "'abc", "unterminated"},
		{"trailing tokens", "1 + 2 )", "unexpected"},
		{"bad character", "1 @ 2", "unexpected character"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvalExpression(tt.expr, names)
			if err == nil {
				t.Fatalf("EvalExpression(%q) expected error", tt.expr)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("EvalExpression(%q) error = %v, want substring %q", tt.expr, err, tt.wantSub)
			}
		})
	}
}

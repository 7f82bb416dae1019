package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Trigger values a step may declare.
const (
	TriggerPoll   = "poll"
	TriggerManual = "manual"
)

// Variable types a template may declare.
const (
	VarString = "string"
	VarInt    = "int"
	VarFloat  = "float"
	VarBool   = "bool"
)

// Template is the decoded body of a protocol template.
//
// Output is an arbitrary nested shape whose string leaves may carry
// ${path} placeholders; rendering it against an execution context
// produces the normalised device reading (at minimum weight and unit).
type Template struct {
	Variables      []Variable     `json:"variables,omitempty"`
	SetupSteps     []Step         `json:"setup_steps,omitempty"`
	Steps          []Step         `json:"steps,omitempty"`
	MessageHandler *Step          `json:"message_handler,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
}

// Variable declares a template parameter a device instance may override.
type Variable struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Default any    `json:"default,omitempty"`
	Label   string `json:"label,omitempty"`
}

// Step is one atomic unit of work: resolve params, run the action,
// optionally parse, bind the result into the context under the step id.
type Step struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Trigger string         `json:"trigger,omitempty"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Parse   *Parse         `json:"parse,omitempty"`
}

// Parse describes how a step's raw driver result becomes its bound value.
// Exactly one variant applies, selected by Type: expression, regex,
// substring or struct.
type Parse struct {
	Type       string   `json:"type"`
	Expression string   `json:"expression,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Group      int      `json:"group,omitempty"`
	Start      *int     `json:"start,omitempty"`
	End        *int     `json:"end,omitempty"`
	Format     string   `json:"format,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

// DecodeTemplate parses a stored template body.
//
// Parameters:
//   - raw: the JSON template column as persisted
//
// Returns:
//   - *Template: decoded template (empty body decodes to the zero template)
//   - error: on malformed JSON
func DecodeTemplate(raw json.RawMessage) (*Template, error) {
	tpl := &Template{}
	if len(raw) == 0 {
		return tpl, nil
	}
	if err := json.Unmarshal(raw, tpl); err != nil {
		return nil, fmt.Errorf("decoding template body: %w", err)
	}
	return tpl, nil
}

// ResolveVariables builds the variable bindings for one device: template
// defaults coerced to their declared type, overridden by the device's
// template_variables. Overrides for undeclared names pass through
// untouched so templates can grow variables without breaking devices.
func ResolveVariables(tpl *Template, overrides map[string]any) map[string]any {
	vars := make(map[string]any, len(tpl.Variables)+len(overrides))
	for _, v := range tpl.Variables {
		vars[v.Name] = coerceVariable(v.Type, v.Default)
	}
	for name, value := range overrides {
		if decl, ok := findVariable(tpl, name); ok {
			vars[name] = coerceVariable(decl.Type, value)
		} else {
			vars[name] = value
		}
	}
	return vars
}

func findVariable(tpl *Template, name string) (Variable, bool) {
	for _, v := range tpl.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// coerceVariable converts a raw JSON value to the variable's declared
// type. Values that cannot be converted pass through unchanged; the
// template author sees the mismatch at execution time rather than a
// silently invented zero.
func coerceVariable(varType string, value any) any {
	if value == nil {
		return nil
	}
	switch varType {
	case VarInt:
		switch n := value.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	case VarFloat:
		switch n := value.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f
			}
		}
	case VarBool:
		switch b := value.(type) {
		case bool:
			return b
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		case float64:
			return b != 0
		}
	case VarString:
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	}
	return value
}

// trigger returns the step's trigger, defaulting to poll like the
// template format always has.
func (s *Step) trigger() string {
	if s.Trigger == "" {
		return TriggerPoll
	}
	return s.Trigger
}

// writeActions are the driver actions that mutate external state. They
// may only run through a manual-step call or an explicitly allowed
// step test.
var writeActions = map[string]bool{
	"modbus.write_register": true,
	"modbus.write_coil":     true,
	"mqtt.publish":          true,
}

// IsWriteAction reports whether an action mutates device state.
func IsWriteAction(action string) bool {
	return writeActions[action]
}

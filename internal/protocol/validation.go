package protocol

import (
	"fmt"
	"regexp"
)

// Recognised protocol types for template validation.
var protocolTypes = map[string]bool{
	"modbus_tcp": true,
	"modbus_rtu": true,
	"mqtt":       true,
	"serial":     true,
	"tcp":        true,
}

var parseTypes = map[string]bool{
	"expression": true,
	"regex":      true,
	"substring":  true,
	"struct":     true,
}

var variableTypes = map[string]bool{
	VarString: true,
	VarInt:    true,
	VarFloat:  true,
	VarBool:   true,
	"":        true, // untyped variables pass through raw
}

// variableNamePattern constrains variable names to placeholder segments.
var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTemplate checks a decoded template body before persistence.
//
// It enforces the structural rules every executable template must meet:
// recognised protocol type, unique identifier-shaped variable names,
// unique non-empty step ids, known triggers and parse types, compilable
// regex patterns, a non-empty output shape, and — the critical safety
// rule — no write action on a poll-triggered or setup step.
//
// Returns:
//   - error: a *ValidationError listing every problem, or nil
func ValidateTemplate(tpl *Template, protocolType string) error {
	var problems []string

	if !protocolTypes[protocolType] {
		problems = append(problems, fmt.Sprintf("unknown protocol_type %q", protocolType))
	}

	seenVars := map[string]bool{}
	for _, v := range tpl.Variables {
		switch {
		case !variableNamePattern.MatchString(v.Name):
			problems = append(problems, fmt.Sprintf("variable name %q is not a valid identifier", v.Name))
		case seenVars[v.Name]:
			problems = append(problems, fmt.Sprintf("duplicate variable %q", v.Name))
		default:
			seenVars[v.Name] = true
		}
		if !variableTypes[v.Type] {
			problems = append(problems, fmt.Sprintf("variable %q has unknown type %q", v.Name, v.Type))
		}
	}

	problems = append(problems, validateSteps("setup step", tpl.SetupSteps, true)...)
	problems = append(problems, validateSteps("step", tpl.Steps, false)...)

	if tpl.MessageHandler != nil {
		if protocolType != "mqtt" {
			problems = append(problems, "message_handler is only supported for mqtt templates")
		}
		problems = append(problems, validateParse("message_handler", tpl.MessageHandler.Parse)...)
	}

	if len(tpl.Output) == 0 {
		problems = append(problems, "output must define at least one field")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// validateSteps checks one step list. Setup steps are always read-only;
// in the main list only manual-trigger steps may carry write actions.
func validateSteps(kind string, steps []Step, isSetup bool) []string {
	var problems []string
	seen := map[string]bool{}

	for _, step := range steps {
		label := fmt.Sprintf("%s %q", kind, step.ID)

		switch {
		case step.ID == "":
			problems = append(problems, kind+" with empty id")
		case seen[step.ID]:
			problems = append(problems, "duplicate "+label)
		default:
			seen[step.ID] = true
		}

		if step.Action == "" {
			problems = append(problems, label+" has no action")
		}

		trigger := step.trigger()
		if !isSetup && trigger != TriggerPoll && trigger != TriggerManual {
			problems = append(problems, fmt.Sprintf("%s has unknown trigger %q", label, step.Trigger))
		}

		if IsWriteAction(step.Action) && (isSetup || trigger != TriggerManual) {
			problems = append(problems,
				fmt.Sprintf("%s: write action %q requires trigger \"manual\"", label, step.Action))
		}

		problems = append(problems, validateParse(label, step.Parse)...)
	}

	return problems
}

func validateParse(label string, parse *Parse) []string {
	if parse == nil {
		return nil
	}
	var problems []string

	if !parseTypes[parse.Type] {
		problems = append(problems, fmt.Sprintf("%s has unknown parse type %q", label, parse.Type))
		return problems
	}

	switch parse.Type {
	case "expression":
		if parse.Expression == "" {
			problems = append(problems, label+" expression parse has no expression")
		} else if _, err := lexExpression(parse.Expression); err != nil {
			problems = append(problems, fmt.Sprintf("%s expression: %v", label, err))
		}
	case "regex":
		if parse.Pattern == "" {
			problems = append(problems, label+" regex parse has no pattern")
		} else if _, err := regexp.Compile(parse.Pattern); err != nil {
			problems = append(problems, fmt.Sprintf("%s pattern: %v", label, err))
		}
	case "struct":
		if _, _, err := parseStructFormat(parse.Format); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", label, err))
		}
	}

	return problems
}

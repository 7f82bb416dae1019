package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Sandboxed expression evaluation for parse pipelines.
//
// The grammar covers what scale templates actually need: numbers,
// strings, booleans, null, arithmetic (+ - * / %), comparisons, boolean
// logic (both &&/||/! and the and/or/not spellings templates written for
// the original ecosystem use), unary minus, list indexing, map member
// access, parentheses, and calls of a fixed function whitelist. There is
// no assignment, no loop construct, no attribute access beyond map
// lookup, and no identifier resolution outside the provided bindings, so
// an expression can never escape its context.

// exprError wraps every failure the evaluator reports.
func exprError(format string, args ...any) error {
	return fmt.Errorf("expression: "+format, args...)
}

// EvalExpression evaluates a template expression against name bindings.
//
// Parameters:
//   - expr: the expression source
//   - names: identifier bindings (registers, coils, payload, steps,
//     template variables)
//
// Returns:
//   - any: the result (int, float64, bool, string, list, map or nil)
//   - error: on lexical, syntax or evaluation failure
func EvalExpression(expr string, names map[string]any) (any, error) {
	tokens, err := lexExpression(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, exprError("unexpected %q", p.peek().text)
	}
	return evalNode(node, names)
}

// ─── Lexer ───

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokEOF
)

type exprToken struct {
	kind tokenKind
	text string
}

// twoCharOps are the multi-character operators, checked before single chars.
var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lexExpression(src string) ([]exprToken, error) {
	var tokens []exprToken
	i := 0
	runes := []rune(src)

	for i < len(runes) {
		ch := runes[i]

		switch {
		case unicode.IsSpace(ch):
			i++

		case unicode.IsDigit(ch) || (ch == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			seenDot := false
			for i < len(runes) && (unicode.IsDigit(runes[i]) || (runes[i] == '.' && !seenDot)) {
				if runes[i] == '.' {
					seenDot = true
				}
				i++
			}
			tokens = append(tokens, exprToken{tokNumber, string(runes[start:i])})

		case unicode.IsLetter(ch) || ch == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, exprToken{tokIdent, string(runes[start:i])})

		case ch == '"' || ch == '\'':
			quote := ch
			i++
			var sb strings.Builder
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					switch runes[i] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case '\\', '"', '\'':
						sb.WriteRune(runes[i])
					default:
						sb.WriteRune('\\')
						sb.WriteRune(runes[i])
					}
				} else {
					sb.WriteRune(runes[i])
				}
				i++
			}
			if i >= len(runes) {
				return nil, exprError("unterminated string literal")
			}
			i++ // closing quote
			tokens = append(tokens, exprToken{tokString, sb.String()})

		default:
			rest := string(runes[i:])
			matched := ""
			for _, op := range twoCharOps {
				if strings.HasPrefix(rest, op) {
					matched = op
					break
				}
			}
			if matched == "" {
				switch ch {
				case '+', '-', '*', '/', '%', '(', ')', '[', ']', '.', ',', '<', '>', '!':
					matched = string(ch)
				default:
					return nil, exprError("unexpected character %q", string(ch))
				}
			}
			tokens = append(tokens, exprToken{tokOp, matched})
			i += len(matched)
		}
	}

	tokens = append(tokens, exprToken{tokEOF, ""})
	return tokens, nil
}

// ─── Parser ───

type exprNode interface{ isNode() }

type literalNode struct{ value any }
type identNode struct{ name string }
type unaryNode struct {
	op      string
	operand exprNode
}
type binaryNode struct {
	op          string
	left, right exprNode
}
type indexNode struct {
	target exprNode
	index  exprNode
}
type memberNode struct {
	target exprNode
	name   string
}
type callNode struct {
	callee exprNode
	args   []exprNode
}

func (literalNode) isNode() {}
func (identNode) isNode()   {}
func (unaryNode) isNode()   {}
func (binaryNode) isNode()  {}
func (indexNode) isNode()   {}
func (memberNode) isNode()  {}
func (callNode) isNode()    {}

// Binding powers, loosest first.
const (
	bpOr      = 10
	bpAnd     = 20
	bpCompare = 30
	bpAdd     = 40
	bpMul     = 50
	bpUnary   = 60
	bpPostfix = 70
)

func binaryPower(op string) int {
	switch op {
	case "||", "or":
		return bpOr
	case "&&", "and":
		return bpAnd
	case "==", "!=", "<", "<=", ">", ">=":
		return bpCompare
	case "+", "-":
		return bpAdd
	case "*", "/", "%":
		return bpMul
	default:
		return 0
	}
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken { return p.tokens[p.pos] }
func (p *exprParser) next() exprToken { t := p.tokens[p.pos]; p.pos++; return t }
func (p *exprParser) atEnd() bool     { return p.peek().kind == tokEOF }

func (p *exprParser) expect(op string) error {
	t := p.next()
	if t.kind != tokOp || t.text != op {
		return exprError("expected %q, found %q", op, t.text)
	}
	return nil
}

// parseExpr is a Pratt loop over binary operators at or above minPower.
func (p *exprParser) parseExpr(minPower int) (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		op := t.text
		if t.kind == tokIdent && (op == "and" || op == "or") {
			// Word operators share power with their symbolic twins.
		} else if t.kind != tokOp {
			return left, nil
		}
		power := binaryPower(op)
		if power == 0 || power < minPower {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(power + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	t := p.peek()
	if (t.kind == tokOp && (t.text == "-" || t.text == "!")) ||
		(t.kind == tokIdent && t.text == "not") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := t.text
		if op == "not" {
			op = "!"
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles calls, indexing and member access after a primary.
func (p *exprParser) parsePostfix() (exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp {
			return node, nil
		}
		switch t.text {
		case "(":
			p.next()
			var args []exprNode
			if !(p.peek().kind == tokOp && p.peek().text == ")") {
				for {
					arg, err := p.parseExpr(0)
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokOp && p.peek().text == "," {
						p.next()
						continue
					}
					break
				}
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			node = callNode{callee: node, args: args}

		case "[":
			p.next()
			idx, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			node = indexNode{target: node, index: idx}

		case ".":
			p.next()
			name := p.next()
			if name.kind != tokIdent {
				return nil, exprError("expected member name after '.'")
			}
			node = memberNode{target: node, name: name.text}

		default:
			return node, nil
		}
	}
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, exprError("bad number %q", t.text)
			}
			return literalNode{value: f}, nil
		}
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, exprError("bad number %q", t.text)
		}
		return literalNode{value: n}, nil

	case tokString:
		return literalNode{value: t.text}, nil

	case tokIdent:
		switch t.text {
		case "true", "True":
			return literalNode{value: true}, nil
		case "false", "False":
			return literalNode{value: false}, nil
		case "null", "none", "None":
			return literalNode{value: nil}, nil
		default:
			return identNode{name: t.text}, nil
		}

	case tokOp:
		if t.text == "(" {
			inner, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, exprError("unexpected %q", t.text)
}

// ─── Evaluator ───

func evalNode(node exprNode, names map[string]any) (any, error) {
	switch n := node.(type) {
	case literalNode:
		return n.value, nil

	case identNode:
		value, ok := names[n.name]
		if !ok {
			return nil, exprError("unknown name %q", n.name)
		}
		return value, nil

	case unaryNode:
		operand, err := evalNode(n.operand, names)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			switch v := operand.(type) {
			case int:
				return -v, nil
			case float64:
				return -v, nil
			}
			return nil, exprError("cannot negate %T", operand)
		case "!":
			return !truthy(operand), nil
		}
		return nil, exprError("unknown unary operator %q", n.op)

	case binaryNode:
		return evalBinary(n, names)

	case indexNode:
		return evalIndex(n, names)

	case memberNode:
		target, err := evalNode(n.target, names)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]any)
		if !ok {
			return nil, exprError("member access on %T", target)
		}
		return m[n.name], nil

	case callNode:
		return evalCall(n, names)
	}
	return nil, exprError("unknown node %T", node)
}

// evalBinary applies a binary operator. and/or short-circuit and return
// operand values rather than booleans, matching the source language the
// templates were written against.
func evalBinary(n binaryNode, names map[string]any) (any, error) {
	if n.op == "&&" || n.op == "and" {
		left, err := evalNode(n.left, names)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return left, nil
		}
		return evalNode(n.right, names)
	}
	if n.op == "||" || n.op == "or" {
		left, err := evalNode(n.left, names)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return left, nil
		}
		return evalNode(n.right, names)
	}

	left, err := evalNode(n.left, names)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(n.right, names)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, exprError("cannot add string and %T", right)
			}
			return ls + rs, nil
		}
		if ll, ok := left.([]any); ok {
			rl, ok := right.([]any)
			if !ok {
				return nil, exprError("cannot add list and %T", right)
			}
			return append(append([]any{}, ll...), rl...), nil
		}
		return numericOp(n.op, left, right)
	case "-", "*", "/", "%":
		return numericOp(n.op, left, right)
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, left, right)
	}
	return nil, exprError("unknown operator %q", n.op)
}

// numericOp applies arithmetic with integer-preserving semantics:
// int op int stays int except for division, which is always true
// division yielding a float.
func numericOp(op string, left, right any) (any, error) {
	li, lIsInt := asInt(left)
	ri, rIsInt := asInt(right)

	if lIsInt && rIsInt && op != "/" {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, exprError("modulo by zero")
			}
			// Result takes the sign of the divisor.
			return ((li % ri) + ri) % ri, nil
		}
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, exprError("cannot apply %q to %T and %T", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, exprError("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, exprError("modulo by zero")
		}
		m := math.Mod(lf, rf)
		if m != 0 && (m < 0) != (rf < 0) {
			m += rf
		}
		return m, nil
	}
	return nil, exprError("unknown operator %q", op)
}

func compareOrdered(op string, left, right any) (any, error) {
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, exprError("cannot compare string and %T", right)
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, exprError("cannot compare %T and %T", left, right)
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, exprError("unknown comparison %q", op)
}

func evalIndex(n indexNode, names map[string]any) (any, error) {
	target, err := evalNode(n.target, names)
	if err != nil {
		return nil, err
	}
	index, err := evalNode(n.index, names)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case []any:
		i, ok := asInt(index)
		if !ok {
			return nil, exprError("list index must be an integer, got %T", index)
		}
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil, exprError("list index %v out of range (len %d)", index, len(t))
		}
		return t[i], nil
	case []int:
		i, ok := asInt(index)
		if !ok {
			return nil, exprError("list index must be an integer, got %T", index)
		}
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil, exprError("list index %v out of range (len %d)", index, len(t))
		}
		return t[i], nil
	case []bool:
		i, ok := asInt(index)
		if !ok {
			return nil, exprError("list index must be an integer, got %T", index)
		}
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil, exprError("list index %v out of range (len %d)", index, len(t))
		}
		return t[i], nil
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, exprError("map key must be a string, got %T", index)
		}
		return t[key], nil
	case string:
		i, ok := asInt(index)
		if !ok {
			return nil, exprError("string index must be an integer, got %T", index)
		}
		runes := []rune(t)
		if i < 0 {
			i += len(runes)
		}
		if i < 0 || i >= len(runes) {
			return nil, exprError("string index out of range")
		}
		return string(runes[i]), nil
	}
	return nil, exprError("cannot index %T", target)
}

// evalCall dispatches the function whitelist. Callees are either a bare
// identifier (int, float, ...) or the two-level json.loads / json.get
// spellings; nothing else is callable.
func evalCall(n callNode, names map[string]any) (any, error) {
	name := ""
	switch callee := n.callee.(type) {
	case identNode:
		name = callee.name
	case memberNode:
		if base, ok := callee.target.(identNode); ok {
			name = base.name + "." + callee.name
		}
	}
	if name == "" {
		return nil, exprError("expression is not callable")
	}

	args := make([]any, len(n.args))
	for i, argNode := range n.args {
		arg, err := evalNode(argNode, names)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	return callBuiltin(name, args)
}

func callBuiltin(name string, args []any) (any, error) {
	switch name {
	case "int":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		return toInt(args[0])
	case "float":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		f, ok := asFloat(args[0])
		if !ok {
			return nil, exprError("float() cannot convert %T", args[0])
		}
		return f, nil
	case "str":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return "None", nil
		}
		return stringify(args[0]), nil
	case "abs":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		if i, ok := args[0].(int); ok {
			if i < 0 {
				return -i, nil
			}
			return i, nil
		}
		f, ok := asFloat(args[0])
		if !ok {
			return nil, exprError("abs() needs a number, got %T", args[0])
		}
		return math.Abs(f), nil
	case "round":
		if err := arity(name, args, 1, 2); err != nil {
			return nil, err
		}
		f, ok := asFloat(args[0])
		if !ok {
			return nil, exprError("round() needs a number, got %T", args[0])
		}
		if len(args) == 1 {
			return int(math.RoundToEven(f)), nil
		}
		digits, ok := asInt(args[1])
		if !ok {
			return nil, exprError("round() digits must be an integer")
		}
		scale := math.Pow(10, float64(digits))
		return math.RoundToEven(f*scale) / scale, nil
	case "min", "max":
		return minMax(name, args)
	case "len":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			return len([]rune(v)), nil
		case []any:
			return len(v), nil
		case []int:
			return len(v), nil
		case []bool:
			return len(v), nil
		case []byte:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		}
		return nil, exprError("len() cannot size %T", args[0])
	case "json.loads":
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		text, ok := args[0].(string)
		if !ok {
			if b, bok := args[0].([]byte); bok {
				text = utf8Lossy(b)
			} else {
				return nil, exprError("json.loads() needs a string, got %T", args[0])
			}
		}
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			return nil, exprError("json.loads(): %v", err)
		}
		return decoded, nil
	case "json.get":
		if err := arity(name, args, 2, 3); err != nil {
			return nil, err
		}
		obj, ok := args[0].(map[string]any)
		if !ok {
			return nil, exprError("json.get() needs an object, got %T", args[0])
		}
		key, ok := args[1].(string)
		if !ok {
			return nil, exprError("json.get() key must be a string")
		}
		if value, present := obj[key]; present {
			return value, nil
		}
		if len(args) == 3 {
			return args[2], nil
		}
		return nil, nil
	}
	return nil, exprError("unknown function %q", name)
}

func minMax(name string, args []any) (any, error) {
	values := args
	if len(args) == 1 {
		list, ok := args[0].([]any)
		if !ok {
			return nil, exprError("%s() needs a list or multiple arguments", name)
		}
		values = list
	}
	if len(values) == 0 {
		return nil, exprError("%s() of empty sequence", name)
	}

	best := values[0]
	bestF, ok := asFloat(best)
	if !ok {
		return nil, exprError("%s() needs numbers, got %T", name, best)
	}
	for _, v := range values[1:] {
		f, ok := asFloat(v)
		if !ok {
			return nil, exprError("%s() needs numbers, got %T", name, v)
		}
		if (name == "min" && f < bestF) || (name == "max" && f > bestF) {
			best, bestF = v, f
		}
	}
	return best, nil
}

func arity(name string, args []any, minArgs, maxArgs int) error {
	if len(args) < minArgs || len(args) > maxArgs {
		return exprError("%s() takes %d-%d arguments, got %d", name, minArgs, maxArgs, len(args))
	}
	return nil
}

// ─── Value helpers ───

// asInt reports whether the value is integral and returns it as int.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// asFloat coerces numbers and numeric strings to float64.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toInt converts with int() semantics: floats truncate toward zero,
// strings must be whole numbers.
func toInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(math.Trunc(v)), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, exprError("int() cannot parse %q", v)
		}
		return i, nil
	}
	return nil, exprError("int() cannot convert %T", value)
}

// truthy follows the conventions template authors expect: empty and zero
// values are false, everything else true.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []int:
		return len(v) > 0
	case []bool:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return !reflect.ValueOf(value).IsZero()
	}
}

// looseEqual compares across numeric representations so 2 == 2.0.
func looseEqual(left, right any) bool {
	lf, lok := numericValue(left)
	rf, rok := numericValue(right)
	if lok && rok {
		return lf == rf
	}
	return reflect.DeepEqual(left, right)
}

// numericValue is asFloat without the string coercion: "2" != 2.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantix-io/quantix-connect/internal/driver"
)

// Steps maps step ids to their bound results. It is the unit the runtime
// accumulates across setup and poll cycles and the shape ${steps.X.result}
// placeholders resolve against.
type Steps map[string]StepResult

// StepResult wraps one step's final (parsed) value.
type StepResult struct {
	Result any `json:"result"`
}

// Clone returns a shallow copy so a poll cycle can fold new results
// without mutating the previous cycle's map.
func (s Steps) Clone() Steps {
	cloned := make(Steps, len(s))
	for id, r := range s {
		cloned[id] = r
	}
	return cloned
}

// contextMap converts to the nested map shape placeholder resolution
// and expressions traverse: {id: {"result": value}}.
func (s Steps) contextMap() map[string]any {
	m := make(map[string]any, len(s))
	for id, r := range s {
		m[id] = map[string]any{"result": r.Result}
	}
	return m
}

// Context assembles a render context from these results and the resolved
// template variables, for RenderOutput callers outside a step run.
func (s Steps) Context(vars map[string]any) map[string]any {
	return buildContext(vars, s.contextMap(), nil)
}

// ManualResult is the synchronous response of a manual or test step run.
type ManualResult struct {
	StepID string         `json:"step_id"`
	Result any            `json:"result"`
	Output map[string]any `json:"output"`
}

// Executor interprets protocol templates against a driver.
//
// All operations build a context of {steps: {...}, <variable>: value}
// and thread it through step execution; each step's bound result is
// visible to every later step's placeholders in the same call.
type Executor struct{}

// NewExecutor creates a template executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// stepOptions tunes a single step execution.
type stepOptions struct {
	paramsOverride map[string]any
	skipDriver     bool
	allowWrite     bool
}

// RunSetupSteps executes the template's setup steps in declared order.
//
// Each step's result is bound under steps.<id>.result before the next
// step resolves its placeholders. Setup steps are read-only: a write
// action fails with ErrWriteNotAllowed (the validator rejects such
// templates before persistence; this is the backstop).
//
// Returns:
//   - Steps: the accumulated setup results
//   - error: the first step failure, wrapped with the step id
func (e *Executor) RunSetupSteps(ctx context.Context, tpl *Template, drv driver.Driver, vars map[string]any) (Steps, error) {
	stepsCtx := map[string]any{}
	execCtx := buildContext(vars, stepsCtx, nil)
	results := Steps{}

	for i := range tpl.SetupSteps {
		step := &tpl.SetupSteps[i]
		result, err := e.executeStep(ctx, drv, step, execCtx, stepOptions{})
		if err != nil {
			return nil, fmt.Errorf("setup step %q: %w", step.ID, err)
		}
		stepsCtx[step.ID] = map[string]any{"result": result}
		results[step.ID] = StepResult{Result: result}
	}

	return results, nil
}

// RunPollSteps executes every poll-triggered step in declared order.
//
// The context starts from a copy of previous (preserving setup outputs
// and the last cycle's bindings) and folds new results over it, so the
// returned map always contains every key of previous.
func (e *Executor) RunPollSteps(ctx context.Context, tpl *Template, drv driver.Driver, vars map[string]any, previous Steps) (Steps, error) {
	results := previous.Clone()
	stepsCtx := previous.contextMap()
	execCtx := buildContext(vars, stepsCtx, nil)

	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		if step.trigger() != TriggerPoll {
			continue
		}
		result, err := e.executeStep(ctx, drv, step, execCtx, stepOptions{})
		if err != nil {
			return nil, fmt.Errorf("poll step %q: %w", step.ID, err)
		}
		stepsCtx[step.ID] = map[string]any{"result": result}
		results[step.ID] = StepResult{Result: result}
	}

	return results, nil
}

// RunManualStep locates a manual-trigger step by id and executes it once.
//
// paramsOverride is merged over the step's resolved params (override
// wins). The runtime's accumulated step results feed the context but are
// not mutated: manual commands never pollute the poll state.
//
// Returns:
//   - *ManualResult: step id, result and the output rendered against the
//     post-step context
//   - error: ErrStepNotFound, ErrStepNotManual, or the step failure
func (e *Executor) RunManualStep(ctx context.Context, tpl *Template, drv driver.Driver, stepID string, vars, paramsOverride map[string]any, previous Steps) (*ManualResult, error) {
	var target *Step
	for i := range tpl.Steps {
		if tpl.Steps[i].ID == stepID {
			target = &tpl.Steps[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, stepID)
	}
	if target.trigger() != TriggerManual {
		return nil, fmt.Errorf("%w: %q", ErrStepNotManual, stepID)
	}

	stepsCtx := previous.contextMap()
	execCtx := buildContext(vars, stepsCtx, nil)

	result, err := e.executeStep(ctx, drv, target, execCtx, stepOptions{
		paramsOverride: paramsOverride,
		allowWrite:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("manual step %q: %w", stepID, err)
	}
	stepsCtx[target.ID] = map[string]any{"result": result}

	return &ManualResult{
		StepID: target.ID,
		Result: result,
		Output: e.RenderOutput(tpl, execCtx),
	}, nil
}

// RunMessageHandler processes one inbound push message through the
// template's message_handler.
//
// The context carries payload as UTF-8 (invalid bytes dropped); the
// handler's action never reaches the driver — its raw result is
// {payload: <text>} and the parse pipeline extracts the reading. The
// handler result binds under message_handler.result for the output.
//
// Returns:
//   - Steps: the (unchanged copy of) accumulated step results
//   - map[string]any: the rendered output
//   - error: ErrNoMessageHandler or the handler failure
func (e *Executor) RunMessageHandler(ctx context.Context, tpl *Template, drv driver.Driver, payload []byte, vars map[string]any, previous Steps) (Steps, map[string]any, error) {
	if tpl.MessageHandler == nil {
		return nil, nil, ErrNoMessageHandler
	}

	results := previous.Clone()
	stepsCtx := previous.contextMap()
	execCtx := buildContext(vars, stepsCtx, map[string]any{
		"payload": utf8Lossy(payload),
	})

	result, err := e.executeStep(ctx, drv, tpl.MessageHandler, execCtx, stepOptions{skipDriver: true})
	if err != nil {
		return nil, nil, fmt.Errorf("message handler: %w", err)
	}
	execCtx["message_handler"] = map[string]any{"result": result}

	return results, e.RenderOutput(tpl, execCtx), nil
}

// RunTestStep executes a single step in isolation for the step-test RPC.
//
// Unlike RunManualStep it searches setup steps, poll/manual steps and
// the message handler (matched by id, or by the literal id
// "message_handler"), and it only runs write actions when allowWrite is
// set. payload feeds the context when testing an event step.
func (e *Executor) RunTestStep(ctx context.Context, tpl *Template, drv driver.Driver, stepID string, vars, paramsOverride map[string]any, payload string, allowWrite bool) (*ManualResult, error) {
	target, isHandler := findStep(tpl, stepID)
	if target == nil {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, stepID)
	}

	stepsCtx := map[string]any{}
	extra := map[string]any{}
	if isHandler || payload != "" {
		extra["payload"] = payload
	}
	execCtx := buildContext(vars, stepsCtx, extra)

	result, err := e.executeStep(ctx, drv, target, execCtx, stepOptions{
		paramsOverride: paramsOverride,
		skipDriver:     isHandler,
		allowWrite:     allowWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("test step %q: %w", stepID, err)
	}

	if isHandler {
		execCtx["message_handler"] = map[string]any{"result": result}
	} else {
		stepsCtx[target.ID] = map[string]any{"result": result}
	}

	return &ManualResult{
		StepID: stepID,
		Result: result,
		Output: e.RenderOutput(tpl, execCtx),
	}, nil
}

// RenderOutput deep-evaluates the template's output shape against a
// context, preserving types for full-string placeholders.
func (e *Executor) RenderOutput(tpl *Template, execCtx map[string]any) map[string]any {
	if tpl.Output == nil {
		return map[string]any{}
	}
	rendered, ok := resolveValue(tpl.Output, execCtx).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return rendered
}

// findStep locates a step anywhere in the template. The second return
// reports whether it is the message handler.
func findStep(tpl *Template, stepID string) (*Step, bool) {
	for i := range tpl.SetupSteps {
		if tpl.SetupSteps[i].ID == stepID {
			return &tpl.SetupSteps[i], false
		}
	}
	for i := range tpl.Steps {
		if tpl.Steps[i].ID == stepID {
			return &tpl.Steps[i], false
		}
	}
	if h := tpl.MessageHandler; h != nil && (h.ID == stepID || stepID == "message_handler") {
		return h, true
	}
	return nil, false
}

// buildContext assembles the execution context: steps first, then extra
// bindings, then variables. A variable named "steps" cannot shadow the
// step results.
func buildContext(vars map[string]any, stepsCtx map[string]any, extra map[string]any) map[string]any {
	execCtx := make(map[string]any, len(vars)+len(extra)+1)
	for name, value := range vars {
		execCtx[name] = value
	}
	for name, value := range extra {
		execCtx[name] = value
	}
	execCtx["steps"] = stepsCtx
	return execCtx
}

// executeStep runs one step: resolve params, dispatch the action, apply
// the parse pipeline.
func (e *Executor) executeStep(ctx context.Context, drv driver.Driver, step *Step, execCtx map[string]any, opts stepOptions) (any, error) {
	if IsWriteAction(step.Action) && !opts.allowWrite {
		return nil, fmt.Errorf("%w: %s", ErrWriteNotAllowed, step.Action)
	}

	params, _ := resolveValue(step.Params, execCtx).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	for key, value := range opts.paramsOverride {
		params[key] = value
	}

	var raw any
	switch {
	case step.Action == "delay":
		ms, _ := intParam(params["milliseconds"])
		if err := sleepContext(ctx, time.Duration(ms)*time.Millisecond); err != nil {
			return nil, err
		}
		raw = map[string]any{"delayed_ms": ms}

	case strings.HasPrefix(step.Action, "transform."):
		var err error
		raw, err = runTransform(step.Action, params)
		if err != nil {
			return nil, err
		}

	case opts.skipDriver:
		raw = map[string]any{"payload": execCtx["payload"]}

	default:
		result, err := drv.Execute(ctx, step.Action, params)
		if err != nil {
			return nil, err
		}
		raw = result
	}

	if step.Parse != nil {
		return applyParse(step.Parse, raw, execCtx)
	}
	return raw, nil
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

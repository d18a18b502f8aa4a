package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/progress"
	"github.com/rahul/stepwise/internal/tools"
)

// DefaultMaxIterations bounds a run whose plan and caller set no limit.
const DefaultMaxIterations = 20

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrPolicyDenied = errors.New("denied by policy")
	ErrEmptyPlan    = errors.New("plan has no steps")
)

// StopChecker reports whether a stop was requested for a run.
type StopChecker interface {
	IsStopped(runID string) bool
}

// StepError is the failure of a single step.
type StepError struct {
	StepID string
	Kind   plan.Kind
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("Failed to execute step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// EngineConfig wires an Engine to its collaborators. Only Model is required.
type EngineConfig struct {
	Model  llm.Completer
	Tools  tools.Lookup
	Policy governance.PolicyEngine
	Sink   progress.Sink
	Logger *observability.Logger
	Stop   StopChecker

	DefaultMaxIterations int
	ExecutionPrompt      string

	// StrictSkip never re-dispatches an executed delegate or tool step, the
	// literal one-shot rule of the plan format. By default a step that reads
	// outputs runs again when a loop re-enters it, so counter loops can end.
	StrictSkip bool
}

// Engine executes plans step by step.
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = governance.AllowAll{}
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = DefaultMaxIterations
	}
	if cfg.ExecutionPrompt == "" {
		cfg.ExecutionPrompt = DefaultExecutionPrompt
	}
	return &Engine{cfg: cfg}
}

// RunOptions tune a single run.
type RunOptions struct {
	RunID string
	// MaxIterations overrides the plan's own limit when positive.
	MaxIterations int
	// History receives the run's conversation. A fresh one is made when nil.
	History *llm.History
	// Task is recorded as the first user message of an empty history.
	Task string
	// Sink receives this run's events in addition to the engine's sink.
	Sink progress.Sink
}

// RunResult describes how a run ended.
type RunResult struct {
	RunID      string
	Output     string
	Status     string
	Iterations int
	Dispatches int
	Limit      int
	Exhausted  bool
	FailedStep string
	Err        error
	History    *llm.History
	Outputs    map[string]string
}

// Failed reports whether a step failure or an internal fault ended the run.
func (r *RunResult) Failed() bool { return r.Status == StatusFailed }

type run struct {
	e       *Engine
	p       *plan.Plan
	id      string
	sink    progress.Sink
	history *llm.History
	res     *RunResult
}

// Run executes p until it ends, fails, is stopped or exhausts its iteration
// limit. It never panics and always returns a non-empty Output.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, opts RunOptions) (res *RunResult) {
	r := &run{
		e:       e,
		p:       p,
		id:      opts.RunID,
		sink:    progress.Multi(e.cfg.Sink, opts.Sink),
		history: opts.History,
		res:     &RunResult{RunID: opts.RunID},
	}
	if r.history == nil {
		r.history = llm.NewHistory()
	}
	if opts.Task != "" && r.history.Len() == 0 {
		r.history.Append(llm.User(opts.Task))
	}
	r.res.History = r.history

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("internal error: %v", rec)
			e.cfg.Logger.LogError(r.id, progress.RunStepID, string(debug.Stack()), err)
			res = r.fail("", err)
		}
	}()

	if p == nil || p.Len() == 0 {
		return r.fail("", ErrEmptyPlan)
	}
	if p.Outputs == nil {
		p.Outputs = plan.NewOutputs()
	}
	r.res.Limit = e.limit(p, opts.MaxIterations)

	ctx = llm.ContextWithHistory(ctx, r.history)
	return r.loop(ctx)
}

func (e *Engine) limit(p *plan.Plan, override int) int {
	switch {
	case override > 0:
		return override
	case p.MaxIterations > 0:
		return p.MaxIterations
	default:
		return e.cfg.DefaultMaxIterations
	}
}

func (r *run) loop(ctx context.Context) *RunResult {
	p := r.p
	log.Printf("[Engine] run %s: %d steps, limit %d", r.id, p.Len(), r.res.Limit)
	r.e.cfg.Logger.LogRun(r.id, "started", map[string]any{"steps": p.Len(), "max_iterations": r.res.Limit})
	r.notifyRun(progress.Started, map[string]any{
		progress.KeyDescription: p.Reasoning,
		"steps":                 p.Len(),
		"max_iterations":        r.res.Limit,
	})

	ended := false
	stopped := false
	for r.res.Iterations < r.res.Limit {
		if p.Done() {
			break
		}
		if ctx.Err() != nil || (r.e.cfg.Stop != nil && r.e.cfg.Stop.IsStopped(r.id)) {
			stopped = true
			break
		}
		r.res.Iterations++

		step := p.Current()
		if step.Executed && r.skippable(step) {
			p.Cursor++
			continue
		}

		jumped, end, err := r.dispatch(ctx, step)
		if err != nil {
			return r.fail(step.ID, err)
		}
		if !jumped {
			p.Cursor++
		}
		if end {
			ended = true
			break
		}
	}

	r.res.Exhausted = !ended && !stopped && !p.Done()
	output := plan.FinalResult(p.Outputs)
	if r.res.Exhausted {
		output = fmt.Sprintf("%s\n\n[Note: execution stopped after reaching the iteration limit of %d before the plan finished.]", output, r.res.Limit)
		r.e.cfg.Logger.LogWarning(r.id, progress.RunStepID, "iteration limit reached", map[string]any{"limit": r.res.Limit, "cursor": p.Cursor})
	}
	r.res.Output = output
	r.res.Status = StatusCompleted
	if stopped {
		r.res.Status = StatusStopped
	}
	r.res.Outputs = p.Outputs.Snapshot()

	r.e.cfg.Logger.LogRun(r.id, r.res.Status, map[string]any{"iterations": r.res.Iterations, "dispatches": r.res.Dispatches, "exhausted": r.res.Exhausted})
	r.notifyRun(progress.Completed, map[string]any{
		progress.KeySuccess:   true,
		progress.KeyResult:    output,
		progress.KeyExhausted: r.res.Exhausted,
		progress.KeyStopped:   stopped,
	})
	return r.res
}

// skippable reports whether an executed step is passed over on re-entry.
// Branch and jump steps are always evaluated again.
func (r *run) skippable(s *plan.Step) bool {
	if s.Kind == plan.KindBranch || s.Kind == plan.KindJump {
		return false
	}
	if r.e.cfg.StrictSkip || s.Kind == plan.KindEnd {
		return true
	}
	return !s.ConsumesOutputs(r.p.Outputs)
}

func (r *run) fail(stepID string, err error) *RunResult {
	var se *StepError
	if stepID != "" && !errors.As(err, &se) {
		err = &StepError{StepID: stepID, Err: err}
	}
	r.res.Status = StatusFailed
	r.res.FailedStep = stepID
	r.res.Err = err
	r.res.Output = err.Error()
	if r.p != nil && r.p.Outputs != nil {
		r.res.Outputs = r.p.Outputs.Snapshot()
	}
	log.Printf("[Engine] run %s failed: %v", r.id, err)
	r.e.cfg.Logger.LogRun(r.id, StatusFailed, map[string]any{"error": err.Error(), "step": stepID})
	r.notifyRun(progress.Failed, map[string]any{
		progress.KeySuccess: false,
		progress.KeyError:   err.Error(),
	})
	return r.res
}

// dispatch runs one step and converts any fault, including a panic, into a
// *StepError.
func (r *run) dispatch(ctx context.Context, step *plan.Step) (jumped, end bool, err error) {
	r.res.Dispatches++
	r.notify(step.ID, progress.Started, map[string]any{
		progress.KeyStepType:    step.Kind.DocumentType(),
		progress.KeyDescription: step.Description,
	})

	defer func() {
		if rec := recover(); rec != nil {
			r.e.cfg.Logger.LogError(r.id, step.ID, string(debug.Stack()), fmt.Errorf("panic: %v", rec))
			jumped, end = false, false
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			err = &StepError{StepID: step.ID, Kind: step.Kind, Err: err}
			r.e.cfg.Logger.LogStep(r.id, step.ID, map[string]any{"type": step.Kind.DocumentType(), "success": false, "error": err.Error()})
			r.notify(step.ID, progress.Failed, map[string]any{
				progress.KeyStepType: step.Kind.DocumentType(),
				progress.KeySuccess:  false,
				progress.KeyError:    err.Error(),
				progress.KeyExecuted: step.Executed,
			})
			return
		}
		r.e.cfg.Logger.LogStep(r.id, step.ID, map[string]any{"type": step.Kind.DocumentType(), "success": true, "jumped": jumped})
		r.notify(step.ID, progress.Completed, map[string]any{
			progress.KeyStepType: step.Kind.DocumentType(),
			progress.KeySuccess:  true,
			progress.KeyResult:   step.Result,
			progress.KeyExecuted: step.Executed,
		})
	}()

	switch step.Kind {
	case plan.KindDelegate:
		err = r.delegate(ctx, step)
	case plan.KindTool:
		err = r.tool(ctx, step)
	case plan.KindBranch:
		jumped, err = r.branch(step)
	case plan.KindJump:
		err = r.jump(step)
		jumped = err == nil
	case plan.KindEnd:
		step.Executed = true
		end = true
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}
	return jumped, end, err
}

func (r *run) warnUnresolved(step *plan.Step, names []string) {
	for _, name := range names {
		r.e.cfg.Logger.LogWarning(r.id, step.ID, "unresolved output reference", map[string]any{"name": name})
	}
}

func (r *run) delegate(ctx context.Context, step *plan.Step) error {
	prompt, unresolved := plan.ResolvePrompt(step.Prompt, r.p.Outputs)
	r.warnUnresolved(step, unresolved)
	r.warnUnresolved(step, plan.MissingRefs(step.InputRefs, r.p.Outputs))

	if r.e.cfg.Model == nil {
		return errors.New("no model configured")
	}
	messages := []llm.Message{llm.System(r.e.cfg.ExecutionPrompt), llm.User(prompt)}
	resp, err := r.e.cfg.Model.Complete(ctx, messages)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}
	r.e.cfg.Logger.LogLLM(r.id, step.ID, prompt, resp)
	if resp == "" {
		return llm.ErrEmptyResponse
	}

	if err := r.settle(step, resp); err != nil {
		return err
	}
	r.history.Append(llm.Assistant(fmt.Sprintf("Step %s: %s", step.ID, resp)))
	return nil
}

func (r *run) tool(ctx context.Context, step *plan.Step) error {
	if r.e.cfg.Tools == nil {
		return fmt.Errorf("%w %q", ErrUnknownTool, step.ToolName)
	}
	t, ok := r.e.cfg.Tools.Get(step.ToolName)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTool, step.ToolName)
	}

	args, unresolved := plan.ResolveArguments(step.Arguments, r.p.Outputs)
	r.warnUnresolved(step, unresolved)
	r.warnUnresolved(step, plan.MissingRefs(step.InputRefs, r.p.Outputs))
	if args == nil {
		args = map[string]any{}
	}

	decision, err := r.e.cfg.Policy.Evaluate(ctx, governance.Request{Tool: step.ToolName, Arguments: args, RunID: r.id, StepID: step.ID})
	if err != nil {
		return fmt.Errorf("policy check: %w", err)
	}
	r.e.cfg.Logger.LogPolicy(r.id, step.ID, step.ToolName, string(decision.Effect), decision.Reason)
	if !decision.Allowed() {
		return fmt.Errorf("tool %q %w: %s", step.ToolName, ErrPolicyDenied, decision.Reason)
	}

	r.e.cfg.Logger.LogToolCall(r.id, step.ID, step.ToolName, args)
	start := time.Now()
	result, err := t.Execute(ctx, args)
	if err != nil {
		return fmt.Errorf("tool %s: %w", step.ToolName, err)
	}
	log.Printf("[Engine] step %s: tool %s finished in %s", step.ID, step.ToolName, time.Since(start).Round(time.Millisecond))

	if err := r.settle(step, result); err != nil {
		return err
	}
	r.history.Append(llm.Assistant(fmt.Sprintf("Step %s - Tool %s: %s", step.ID, step.ToolName, result)))
	return nil
}

// settle records a step's result and publishes it.
func (r *run) settle(step *plan.Step, result string) error {
	step.Result = result
	step.Executed = true
	if step.OutputName == "" {
		return nil
	}
	if err := r.p.Outputs.Publish(step.OutputName, result); err != nil {
		return fmt.Errorf("publish %q: %w", step.OutputName, err)
	}
	return nil
}

func (r *run) branch(step *plan.Step) (bool, error) {
	cond, err := plan.ParseCondition(step.Condition)
	if err != nil {
		return false, err
	}
	ok, err := cond.Evaluate(r.p.Outputs)
	if err != nil {
		return false, err
	}
	step.Executed = true
	step.Result = fmt.Sprintf("%t", ok)
	if !ok {
		return false, nil
	}
	if err := r.p.JumpTo(step.TargetID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *run) jump(step *plan.Step) error {
	if err := r.p.JumpTo(step.TargetID); err != nil {
		return err
	}
	step.Executed = true
	step.Result = step.TargetID
	return nil
}

func (r *run) notify(stepID string, kind progress.Kind, data map[string]any) {
	r.emit(progress.StepEvent(r.id, stepID, kind, data))
}

func (r *run) notifyRun(kind progress.Kind, data map[string]any) {
	r.emit(progress.RunEvent(r.id, kind, data))
}

// emit delivers an event. Sink errors and panics are logged, never returned.
func (r *run) emit(ev progress.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.e.cfg.Logger.LogError(r.id, ev.StepID, "progress sink panicked", fmt.Errorf("%v", rec))
		}
	}()
	if err := r.sink.Notify(ev); err != nil {
		r.e.cfg.Logger.LogError(r.id, ev.StepID, "progress sink failed", err)
	}
}

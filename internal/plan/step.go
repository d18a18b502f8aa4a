package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStepNotFound is returned when a jump names an id that is not in the plan.
var ErrStepNotFound = errors.New("step not found")

// Kind identifies what a step does when the engine dispatches it.
type Kind string

const (
	KindDelegate Kind = "delegate"
	KindTool     Kind = "tool"
	KindBranch   Kind = "branch"
	KindJump     Kind = "jump"
	KindEnd      Kind = "end"
)

// documentKinds maps the "type" values accepted in plan documents to kinds.
// Canonical kind names are accepted as aliases.
var documentKinds = map[string]Kind{
	"llm":      KindDelegate,
	"delegate": KindDelegate,
	"tool":     KindTool,
	"if":       KindBranch,
	"branch":   KindBranch,
	"goto":     KindJump,
	"jump":     KindJump,
	"end":      KindEnd,
}

// ParseKind converts a document step type into a Kind.
func ParseKind(s string) (Kind, error) {
	k, ok := documentKinds[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown step type %q", s)
	}
	return k, nil
}

// DocumentType returns the plan document spelling of the kind.
func (k Kind) DocumentType() string {
	switch k {
	case KindDelegate:
		return "llm"
	case KindBranch:
		return "if"
	case KindJump:
		return "goto"
	default:
		return string(k)
	}
}

// Step is one instruction in a plan.
type Step struct {
	ID          string
	Kind        Kind
	Description string

	// Delegate steps.
	Prompt string

	// Tool steps.
	ToolName  string
	Arguments map[string]any

	// Branch and jump steps.
	Condition string
	TargetID  string

	InputRefs  []string
	OutputName string

	// Run-time state, mutated only by the engine.
	Executed bool
	Result   string
}

// Plan is an ordered, index-addressed list of steps plus the state of one run.
type Plan struct {
	Steps         []*Step
	MaxIterations int
	Reasoning     string
	Outputs       *Outputs

	// Cursor is the index of the next step to dispatch.
	Cursor int

	index map[string]int
}

// New builds a plan over steps. The first occurrence of an id wins when
// looking up jump targets.
func New(steps []*Step, maxIterations int, reasoning string) *Plan {
	p := &Plan{
		Steps:         steps,
		MaxIterations: maxIterations,
		Reasoning:     reasoning,
		Outputs:       NewOutputs(),
		index:         make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		if _, dup := p.index[s.ID]; !dup {
			p.index[s.ID] = i
		}
	}
	return p
}

// IndexOf returns the position of the step with the given id.
func (p *Plan) IndexOf(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// JumpTo moves the cursor to the step with the given id.
func (p *Plan) JumpTo(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty target id", ErrStepNotFound)
	}
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrStepNotFound, id)
	}
	p.Cursor = i
	return nil
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// Done reports whether the cursor has run past the last step.
func (p *Plan) Done() bool { return p.Cursor >= len(p.Steps) }

// Current returns the step under the cursor, or nil once the plan is done.
func (p *Plan) Current() *Step {
	if p.Cursor < 0 || p.Done() {
		return nil
	}
	return p.Steps[p.Cursor]
}

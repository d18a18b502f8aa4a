// Package governance decides whether a tool invocation may proceed.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a tool invocation to be evaluated.
type Request struct {
	Tool      string
	Arguments map[string]any
	RunID     string
	StepID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

func (r Result) Allowed() bool { return r.Effect == EffectAllow }

func deny(format string, args ...any) Result {
	return Result{Effect: EffectDeny, Reason: fmt.Sprintf(format, args...)}
}

// PolicyEngine evaluates tool invocations against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// argumentRule denies invocations whose encoded arguments match pattern.
// An empty tool applies the rule to every tool.
type argumentRule struct {
	tool    string
	pattern *regexp.Regexp
}

// DefaultPolicyEngine denies listed tools and invocations whose
// JSON-encoded arguments match a denied pattern. It is safe for
// concurrent use.
type DefaultPolicyEngine struct {
	mu     sync.RWMutex
	denied map[string]bool
	rules  []argumentRule
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{denied: make(map[string]bool)}
}

// NewPolicyEngine builds an engine from deny lists.
func NewPolicyEngine(denyTools, denyArguments []string) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, name := range denyTools {
		e.DenyTool(name)
	}
	for _, pattern := range denyArguments {
		if err := e.DenyArguments(pattern); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.denied[name] = true
}

// DenyArguments adds a pattern checked against every tool's arguments.
func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	return e.DenyToolArguments("", pattern)
}

// DenyToolArguments adds a pattern checked only against tool's arguments.
func (e *DefaultPolicyEngine) DenyToolArguments(tool, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("deny pattern %q: %w", pattern, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, argumentRule{tool: tool, pattern: re})
	return nil
}

// DeniedTools lists the blocked tool names in order.
func (e *DefaultPolicyEngine) DeniedTools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.denied))
	for name := range e.denied {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.denied[req.Tool] {
		return deny("Tool '%s' is restricted by system policy", req.Tool), nil
	}

	var encoded []byte
	for _, rule := range e.rules {
		if rule.tool != "" && rule.tool != req.Tool {
			continue
		}
		if encoded == nil {
			var err error
			if encoded, err = json.Marshal(req.Arguments); err != nil {
				return Result{}, fmt.Errorf("encode arguments for policy check: %w", err)
			}
		}
		if rule.pattern.Match(encoded) {
			return deny("Arguments match restricted pattern: %s", rule.pattern), nil
		}
	}

	return Result{Effect: EffectAllow, Reason: "Approved by default policy"}, nil
}

// AllowAll permits every invocation.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, Request) (Result, error) {
	return Result{Effect: EffectAllow, Reason: "no policy configured"}, nil
}

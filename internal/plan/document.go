package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the plan document produced by a planner.
type Document struct {
	Plan          []StepDocument `json:"plan" yaml:"plan" jsonschema:"required,minItems=1"`
	MaxIterations int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" jsonschema:"minimum=0"`
	Reasoning     string         `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// StepDocument is the serialized form of a Step.
type StepDocument struct {
	ID          string         `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Type        string         `json:"type" yaml:"type" jsonschema:"required,enum=llm,enum=tool,enum=if,enum=goto,enum=end,enum=delegate,enum=branch,enum=jump"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt      string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	ToolName    string         `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Condition   string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	GotoID      string         `json:"goto_id,omitempty" yaml:"goto_id,omitempty"`
	InputRefs   []string       `json:"input_refs,omitempty" yaml:"input_refs,omitempty"`
	OutputName  string         `json:"output_name,omitempty" yaml:"output_name,omitempty"`
}

// ParseDocument decodes a plan document. JSON input may be either the full
// object or a bare array of steps; anything else is decoded as YAML.
func ParseDocument(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(stripCodeFence(data))
	if len(trimmed) == 0 {
		return nil, errors.New("empty plan document")
	}

	var doc Document
	switch trimmed[0] {
	case '{':
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode plan json: %w", err)
		}
	case '[':
		if err := json.Unmarshal(trimmed, &doc.Plan); err != nil {
			return nil, fmt.Errorf("decode plan json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode plan yaml: %w", err)
		}
	}
	return &doc, nil
}

// stripCodeFence removes a surrounding markdown code fence, which models
// tend to add around JSON even when asked not to.
func stripCodeFence(data []byte) []byte {
	t := bytes.TrimSpace(data)
	if !bytes.HasPrefix(t, []byte("```")) {
		return data
	}
	if nl := bytes.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		return data
	}
	if end := bytes.LastIndex(t, []byte("```")); end >= 0 {
		t = t[:end]
	}
	return t
}

// Build converts the document into a runnable plan. A missing or
// non-positive max_iterations falls back to defaultMax.
func (d *Document) Build(defaultMax int) (*Plan, error) {
	steps := make([]*Step, 0, len(d.Plan))
	for i, sd := range d.Plan {
		kind, err := ParseKind(sd.Type)
		if err != nil {
			return nil, fmt.Errorf("plan[%d] (%s): %w", i, sd.ID, err)
		}
		steps = append(steps, &Step{
			ID:          sd.ID,
			Kind:        kind,
			Description: sd.Description,
			Prompt:      sd.Prompt,
			ToolName:    sd.ToolName,
			Arguments:   sd.Arguments,
			Condition:   sd.Condition,
			TargetID:    sd.GotoID,
			InputRefs:   append([]string(nil), sd.InputRefs...),
			OutputName:  sd.OutputName,
		})
	}
	limit := d.MaxIterations
	if limit <= 0 {
		limit = defaultMax
	}
	return New(steps, limit, d.Reasoning), nil
}

// Document serializes the plan's static fields back into document form.
func (p *Plan) Document() *Document {
	d := &Document{MaxIterations: p.MaxIterations, Reasoning: p.Reasoning}
	for _, s := range p.Steps {
		d.Plan = append(d.Plan, StepDocument{
			ID:          s.ID,
			Type:        s.Kind.DocumentType(),
			Description: s.Description,
			Prompt:      s.Prompt,
			ToolName:    s.ToolName,
			Arguments:   s.Arguments,
			Condition:   s.Condition,
			GotoID:      s.TargetID,
			InputRefs:   s.InputRefs,
			OutputName:  s.OutputName,
		})
	}
	return d
}

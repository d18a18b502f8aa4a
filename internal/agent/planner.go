package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/tools"
)

// DefaultMaxTools caps how many tools are described to the planner.
const DefaultMaxTools = 4

// PlanError reports a plan document that failed validation.
type PlanError struct {
	Issues []*plan.ValidationError
}

func (e *PlanError) Error() string {
	return "invalid plan: " + plan.JoinErrors(e.Issues)
}

// Planner turns a user request into a validated plan document.
type Planner struct {
	Model    llm.Completer
	Tools    *tools.Registry
	Prompts  *PromptManager
	MaxTools int
	Logger   *observability.Logger
}

func NewPlanner(model llm.Completer, registry *tools.Registry, prompts *PromptManager) *Planner {
	return &Planner{Model: model, Tools: registry, Prompts: prompts, MaxTools: DefaultMaxTools}
}

// SelectTools returns the descriptions of the tools relevant to query.
func (p *Planner) SelectTools(query string) []tools.Info {
	if p.Tools == nil {
		return []tools.Info{}
	}
	max := p.MaxTools
	if max <= 0 {
		max = DefaultMaxTools
	}
	names := tools.NewKeywordSelector(p.Tools).Select(query, max)
	if len(names) == 0 {
		return []tools.Info{}
	}
	return p.Tools.Infos(names...)
}

// SystemPrompt renders the planning prompt for query.
func (p *Planner) SystemPrompt(query string) (string, error) {
	tmpl, err := p.Prompts.PlannerPrompt()
	if err != nil {
		return "", err
	}
	schemas, err := json.MarshalIndent(p.SelectTools(query), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool schemas: %w", err)
	}
	return strings.Replace(tmpl, ToolSchemasPlaceholder, string(schemas), 1), nil
}

// Plan asks the model for a plan. prior messages, typically earlier turns
// of a chat, are placed between the planning prompt and the request.
// Validation warnings are returned alongside a usable document; validation
// errors yield a *PlanError together with the rejected document.
func (p *Planner) Plan(ctx context.Context, query string, prior ...llm.Message) (*plan.Document, []*plan.ValidationError, error) {
	system, err := p.SystemPrompt(query)
	if err != nil {
		return nil, nil, err
	}

	messages := make([]llm.Message, 0, len(prior)+2)
	messages = append(messages, llm.System(system))
	messages = append(messages, prior...)
	messages = append(messages, llm.User("Create an execution plan for: "+query))

	log.Printf("[Planner] creating plan for %q", query)
	resp, err := p.Model.Complete(ctx, messages, llm.WithJSONMode())
	if err != nil {
		return nil, nil, fmt.Errorf("planning: %w", err)
	}
	p.Logger.LogLLM("", "planner", query, resp)

	doc, err := plan.ParseDocument([]byte(resp))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	issues := plan.Validate(doc)
	if plan.HasErrors(issues) {
		return doc, issues, &PlanError{Issues: issues}
	}
	p.Logger.LogPlan("", doc)
	log.Printf("[Planner] plan created with %d steps", len(doc.Plan))
	return doc, issues, nil
}

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
)

const localLLMSystemPrompt = "You are a local assistant consulted by another agent. " +
	"Answer the query directly and concisely."

// LocalLLMTool forwards a query to a second, usually local, model.
type LocalLLMTool struct {
	Model     llm.Completer
	ModelName string
}

func NewLocalLLMTool(model llm.Completer, modelName string) *LocalLLMTool {
	return &LocalLLMTool{Model: model, ModelName: modelName}
}

func (t *LocalLLMTool) Name() string {
	return "use_local_llm"
}

func (t *LocalLLMTool) Description() string {
	return fmt.Sprintf("Ask the local model (%s) for an answer, a second opinion or a review. Use it whenever asked to consult a local LLM.", t.ModelName)
}

func (t *LocalLLMTool) Keywords() []string {
	return []string{
		"consult", "ask", "local", "llm", "model", "opinion", "perspective",
		"analyze", "review", "second", "alternative", "private", "offline",
		"validate", "check", "confirm", "specialized", "domain", "local_ai",
	}
}

func (t *LocalLLMTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The question or instruction for the local model",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Optional background material for the query",
			},
			"task_type": map[string]any{
				"type":        "string",
				"description": "Kind of task, e.g. general, review, analysis",
			},
		},
		"required": []string{"query"},
	}
}

func (t *LocalLLMTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args struct {
		Query    string `json:"query"`
		Context  string `json:"context"`
		TaskType string `json:"task_type"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query is required")
	}

	var b strings.Builder
	if args.TaskType != "" && args.TaskType != "general" {
		fmt.Fprintf(&b, "Task type: %s\n", args.TaskType)
	}
	if args.Context != "" {
		fmt.Fprintf(&b, "Context:\n%s\n\n", args.Context)
	}
	b.WriteString(args.Query)

	out, err := t.Model.Complete(ctx, []llm.Message{llm.System(localLLMSystemPrompt), llm.User(b.String())})
	if err != nil {
		return "", fmt.Errorf("local llm: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", llm.ErrEmptyResponse
	}
	return out, nil
}

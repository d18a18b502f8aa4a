package agent

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ToolSchemasPlaceholder is replaced with the selected tools' JSON schemas.
const ToolSchemasPlaceholder = "{tools_schemas_json}"

var (
	//go:embed prompts/execution.md
	DefaultExecutionPrompt string

	//go:embed prompts/planner.md
	DefaultPlannerPrompt string
)

// PromptManager loads prompt overrides from a directory. Without a directory,
// or when it holds no matching files, the embedded defaults are used.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// executionOrder fixes where known files appear in the execution prompt.
// Other .md files follow in name order.
var executionOrder = map[string]int{
	"identity.md":     1,
	"soul.md":         2,
	"capabilities.md": 3,
	"execution.md":    4,
	"user.md":         5,
}

// ExecutionPrompt joins every .md file in the directory except planner.md.
func (pm *PromptManager) ExecutionPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return DefaultExecutionPrompt, nil
	}
	entries, err := os.ReadDir(pm.Directory)
	if os.IsNotExist(err) {
		return DefaultExecutionPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		oi, okI := executionOrder[entries[i].Name()]
		oj, okJ := executionOrder[entries[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || e.Name() == "planner.md" {
			continue
		}
		path := filepath.Join(pm.Directory, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}

	if len(contents) == 0 {
		return DefaultExecutionPrompt, nil
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

// PlannerPrompt returns planner.md from the directory or the default.
func (pm *PromptManager) PlannerPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return DefaultPlannerPrompt, nil
	}
	data, err := os.ReadFile(filepath.Join(pm.Directory, "planner.md"))
	if os.IsNotExist(err) {
		return DefaultPlannerPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read planner prompt: %w", err)
	}
	if !strings.Contains(string(data), ToolSchemasPlaceholder) {
		log.Printf("Warning: planner prompt has no %s placeholder; tool schemas will be appended", ToolSchemasPlaceholder)
		return string(data) + "\n\n## Available Tools\n" + ToolSchemasPlaceholder + "\n", nil
	}
	return string(data), nil
}

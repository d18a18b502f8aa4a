package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptManager_ExecutionPrompt(t *testing.T) {
	tempDir := t.TempDir()

	files := map[string]string{
		"identity.md":     "Identity Content",
		"soul.md":         "Soul Content",
		"capabilities.md": "Capabilities Content",
		"user.md":         "User Content",
		"extra.md":        "Extra Content",
		"planner.md":      "Planner Content",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644))
	}

	pm := NewPromptManager(tempDir)
	prompt, err := pm.ExecutionPrompt()
	require.NoError(t, err)

	for _, part := range []string{"Identity Content", "Soul Content", "Capabilities Content", "User Content", "Extra Content"} {
		assert.Contains(t, prompt, part)
	}
	assert.NotContains(t, prompt, "Planner Content")

	order := []string{"Identity Content", "Soul Content", "Capabilities Content", "User Content", "Extra Content"}
	for i := 1; i < len(order); i++ {
		assert.Less(t, strings.Index(prompt, order[i-1]), strings.Index(prompt, order[i]), "%s before %s", order[i-1], order[i])
	}
}

func TestPromptManager_Defaults(t *testing.T) {
	for _, pm := range []*PromptManager{nil, NewPromptManager(""), NewPromptManager(filepath.Join(t.TempDir(), "missing"))} {
		exec, err := pm.ExecutionPrompt()
		require.NoError(t, err)
		assert.Equal(t, DefaultExecutionPrompt, exec)

		planner, err := pm.PlannerPrompt()
		require.NoError(t, err)
		assert.Equal(t, DefaultPlannerPrompt, planner)
	}
	assert.Contains(t, DefaultPlannerPrompt, ToolSchemasPlaceholder)
	assert.NotEmpty(t, DefaultExecutionPrompt)
}

func TestPromptManager_PlannerOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planner.md"), []byte("Plan it."), 0644))

	got, err := NewPromptManager(dir).PlannerPrompt()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Plan it."))
	assert.Contains(t, got, ToolSchemasPlaceholder)
}

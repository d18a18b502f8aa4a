package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/stepwise/internal/progress"
)

func TestConsolePrintsTransitions(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	c := NewConsole(&buf, 40)

	events := []progress.Event{
		progress.RunEvent("r", progress.Started, nil),
		{StepID: "L1", Kind: progress.Started, Data: map[string]any{progress.KeyDescription: "ask"}},
		{StepID: "L1", Kind: progress.Completed, Data: map[string]any{progress.KeyResult: strings.Repeat("word ", 40)}},
		{StepID: "T1", Kind: progress.Failed, Data: map[string]any{progress.KeyError: "unknown tool"}},
		progress.RunEvent("r", progress.Failed, map[string]any{progress.KeyError: "Failed to execute step T1"}),
	}
	for _, e := range events {
		require.NoError(t, c.Notify(e))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "run started")
	assert.Contains(t, lines[1], "L1 ask")
	assert.Contains(t, lines[2], "...")
	assert.Contains(t, lines[3], "T1 unknown tool")
	assert.Contains(t, lines[4], "run failed: Failed to execute step T1")
}

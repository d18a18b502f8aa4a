package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/llm"
)

func newStore(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := NewHistoryStore(filepath.Join(t.TempDir(), "stepwise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistoryOrderAndLimit(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddMessage("chat", llm.User(fmt.Sprintf("q%d", i))))
		require.NoError(t, s.AddMessage("chat", llm.Assistant(fmt.Sprintf("a%d", i))))
	}
	require.NoError(t, s.AddMessage("other", llm.User("elsewhere")))

	got, err := s.History("chat", 3)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{llm.Assistant("a3"), llm.User("q4"), llm.Assistant("a4")}, got)

	all, err := s.History("chat", 100)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Equal(t, llm.User("q0"), all[0])

	none, err := s.History("chat", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClearHistory(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddMessage("chat", llm.System("be brief")))
	require.NoError(t, s.ClearHistory("chat"))

	got, err := s.History("chat", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveAndListRuns(t *testing.T) {
	s := newStore(t)
	base := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.SaveRun(agent.RunRecord{
		ID: "r1", Session: "chat", Query: "first", Status: agent.StatusCompleted, Output: "42",
		Iterations: 2, StartedAt: base, FinishedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.SaveRun(agent.RunRecord{
		ID: "r2", Query: "second", Status: agent.StatusFailed, Output: "Failed to execute step T1: boom",
		Iterations: 1, FailedStep: "T1", Exhausted: false, StartedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.SaveRun(agent.RunRecord{
		ID: "r1", Session: "chat", Query: "first", Status: agent.StatusCompleted, Output: "43",
		Iterations: 3, Exhausted: true, StartedAt: base, FinishedAt: base.Add(2 * time.Second),
	}))

	runs, err := s.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "T1", runs[0].FailedStep)
	assert.True(t, runs[0].FinishedAt.IsZero())

	assert.Equal(t, "r1", runs[1].ID)
	assert.Equal(t, "43", runs[1].Output)
	assert.Equal(t, 3, runs[1].Iterations)
	assert.True(t, runs[1].Exhausted)
	assert.True(t, base.Equal(runs[1].StartedAt))
	assert.True(t, base.Add(2*time.Second).Equal(runs[1].FinishedAt))
}

func TestSaveRunAssignsID(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveRun(agent.RunRecord{Status: agent.StatusStopped}))

	runs, err := s.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Len(t, runs[0].ID, 26)
}

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/tools"
)

const answerPlan = `{
  "plan": [
    {"id": "L1", "type": "llm", "prompt": "Q", "output_name": "ans"},
    {"id": "END", "type": "end"}
  ],
  "max_iterations": 4,
  "reasoning": "one question"
}`

type keywordTool struct {
	*fakeTool
	words []string
}

func (k keywordTool) Keywords() []string { return k.words }

// scriptedModel returns plan for JSON mode calls and reply otherwise.
type scriptedModel struct {
	mu       sync.Mutex
	plan     string
	reply    string
	planned  [][]llm.Message
	executed int
}

func (m *scriptedModel) Complete(_ context.Context, msgs []llm.Message, opts ...llm.Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if llm.ApplyOptions(opts...).JSONMode {
		m.planned = append(m.planned, msgs)
		return m.plan, nil
	}
	m.executed++
	return m.reply, nil
}

type memoryHistory struct {
	mu       sync.Mutex
	messages map[string][]llm.Message
	runs     []RunRecord
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{messages: map[string][]llm.Message{}}
}

func (h *memoryHistory) AddMessage(session string, msg llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[session] = append(h.messages[session], msg)
	return nil
}

func (h *memoryHistory) History(session string, limit int) ([]llm.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[session]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llm.Message(nil), msgs...), nil
}

func (h *memoryHistory) SaveRun(rec RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, rec)
	return nil
}

func newTestAgent(model llm.Completer, reg *tools.Registry, history HistoryStore) *Agent {
	return &Agent{
		Planner: NewPlanner(model, reg, nil),
		Engine:  NewEngine(EngineConfig{Model: model, Tools: reg}),
		History: history,
	}
}

func TestPlannerSelectsRelevantTools(t *testing.T) {
	reg := tools.NewRegistry(
		keywordTool{constTool("list_files", "[]"), []string{"file", "directory"}},
		keywordTool{constTool("get_current_time", "now"), []string{"time", "clock"}},
	)
	model := &scriptedModel{plan: answerPlan}
	p := NewPlanner(model, reg, nil)

	doc, issues, err := p.Plan(context.Background(), "what time is it")
	require.NoError(t, err)
	assert.False(t, plan.HasErrors(issues))
	require.Len(t, doc.Plan, 2)
	assert.Equal(t, 4, doc.MaxIterations)

	require.Len(t, model.planned, 1)
	msgs := model.planned[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `"name": "get_current_time"`)
	assert.NotContains(t, msgs[0].Content, `"name": "list_files"`)
	assert.NotContains(t, msgs[0].Content, ToolSchemasPlaceholder)
	assert.Equal(t, llm.User("Create an execution plan for: what time is it"), msgs[1])
}

func TestPlannerWithoutMatchingTools(t *testing.T) {
	reg := tools.NewRegistry(keywordTool{constTool("list_files", "[]"), []string{"file"}})
	p := NewPlanner(&scriptedModel{plan: answerPlan}, reg, nil)

	assert.Empty(t, p.SelectTools("tell me a joke"))
	prompt, err := p.SystemPrompt("tell me a joke")
	require.NoError(t, err)
	assert.Contains(t, prompt, "[]")
}

func TestPlannerRejectsInvalidPlan(t *testing.T) {
	model := &scriptedModel{plan: `{"plan": [{"id": "G", "type": "goto", "goto_id": "nowhere"}]}`}
	p := NewPlanner(model, tools.NewRegistry(), nil)

	doc, issues, err := p.Plan(context.Background(), "loop")
	require.Error(t, err)
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.NotNil(t, doc)
	assert.True(t, plan.HasErrors(issues))
	assert.Contains(t, err.Error(), "nowhere")
}

func TestPlannerRejectsNonJSON(t *testing.T) {
	p := NewPlanner(&scriptedModel{plan: "{not json"}, tools.NewRegistry(), nil)
	_, _, err := p.Plan(context.Background(), "x")
	assert.Error(t, err)
}

func TestPlannerModelError(t *testing.T) {
	model := llm.CompleterFunc(func(context.Context, []llm.Message, ...llm.Option) (string, error) {
		return "", errors.New("rate limited")
	})
	_, _, err := NewPlanner(model, nil, nil).Plan(context.Background(), "x")
	assert.ErrorContains(t, err, "rate limited")
}

func TestExecuteTask(t *testing.T) {
	model := &scriptedModel{plan: answerPlan, reply: "42"}
	a := newTestAgent(model, tools.NewRegistry(), nil)
	a.NewRunID = func() string { return "run-1" }

	res, doc, err := a.ExecuteTask(context.Background(), "what is the answer", 0)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "42", res.Output)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 4, res.Limit)
	assert.Equal(t, 1, model.executed)
	assert.Equal(t, llm.User("what is the answer"), res.History.Messages()[0])
}

func TestThinkRecordsExchange(t *testing.T) {
	model := &scriptedModel{plan: answerPlan, reply: "42"}
	history := newMemoryHistory()
	require.NoError(t, history.AddMessage("chat", llm.User("earlier question")))
	a := newTestAgent(model, tools.NewRegistry(), history)

	out, err := a.Think(context.Background(), "chat", "and now?")
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	require.Len(t, model.planned, 1)
	planned := model.planned[0]
	require.Len(t, planned, 3)
	assert.Equal(t, llm.User("earlier question"), planned[1])
	assert.True(t, strings.HasSuffix(planned[2].Content, "and now?"))

	assert.Equal(t, []llm.Message{
		llm.User("earlier question"),
		llm.User("and now?"),
		llm.Assistant("42"),
	}, history.messages["chat"])
	require.Len(t, history.runs, 1)
	assert.Equal(t, "chat", history.runs[0].Session)
	assert.Equal(t, StatusCompleted, history.runs[0].Status)
}

func TestThinkReturnsPlanningErrors(t *testing.T) {
	model := &scriptedModel{plan: `{"plan": []}`}
	a := newTestAgent(model, tools.NewRegistry(), newMemoryHistory())
	_, err := a.Think(context.Background(), "chat", "hello")
	assert.Error(t, err)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/runstate"
	"github.com/rahul/stepwise/internal/tools"
)

const answerPlan = `{"plan": [{"id": "L1", "type": "llm", "prompt": "Q", "output_name": "ans"}, {"id": "END", "type": "end"}]}`

type gateTool struct {
	release chan struct{}
}

func (g *gateTool) Name() string               { return "gate" }
func (g *gateTool) Description() string        { return "waits until released" }
func (g *gateTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (g *gateTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	select {
	case <-g.release:
		return "opened", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fixture struct {
	srv      *Server
	registry *runstate.Registry
	gate     *gateTool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	model := llm.CompleterFunc(func(_ context.Context, _ []llm.Message, opts ...llm.Option) (string, error) {
		if llm.ApplyOptions(opts...).JSONMode {
			return answerPlan, nil
		}
		return "42", nil
	})
	gate := &gateTool{release: make(chan struct{})}
	reg := tools.NewRegistry(gate)
	registry := runstate.NewRegistry(time.Minute)
	t.Cleanup(registry.Close)

	ids := 0
	srv := New(Config{
		Engine:   agent.NewEngine(agent.EngineConfig{Model: model, Tools: reg, Stop: registry}),
		Planner:  agent.NewPlanner(model, reg, nil),
		Tools:    reg,
		Registry: registry,
		NewRunID: func() string { ids++; return fmt.Sprintf("run-%d", ids) },
	})
	t.Cleanup(srv.Shutdown)
	return &fixture{srv: srv, registry: registry, gate: gate}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndTools(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["tools"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "gate", list[0].(map[string]any)["name"])
}

func TestPlanEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/plan", `{"query": "answer me"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "answer me", body["query"])
	steps := body["plan"].(map[string]any)["plan"].([]any)
	assert.Len(t, steps, 2)

	rec = f.do(t, http.MethodPost, "/api/plan", `{"query": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Query is required", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/plan", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/validate", answerPlan)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = f.do(t, http.MethodPost, "/api/validate", `{"plan": [{"id": "J", "type": "goto"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["issues"])

	rec = f.do(t, http.MethodPost, "/api/validate", `{"plan": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutePlanAndReadState(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/execute", `{"plan": `+answerPlan+`}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)
	assert.Equal(t, "run-1", id)
	f.srv.Wait()

	rec = f.do(t, http.MethodGet, "/api/runs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap runstate.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"L1", "END"}, snap.CompletedSteps)
	assert.Equal(t, "42", snap.StepResults["L1"])

	rec = f.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 1)

	rec = f.do(t, http.MethodGet, "/api/runs/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	stream := rec.Body.String()
	assert.True(t, strings.HasPrefix(stream, "event: started\ndata: {"), stream)
	assert.Equal(t, 6, strings.Count(stream, "\n\n"))
	assert.Contains(t, stream, `"stepId":"L1"`)

	rec = f.do(t, http.MethodPost, "/api/runs/"+id+"/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteFromQuery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/execute", `{"query": "answer me", "max_iterations": 3}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.srv.Wait()

	snap, ok := f.registry.Get(decode(t, rec)["id"].(string))
	require.True(t, ok)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/execute", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/execute", `{"plan": {"plan": [{"id": "T", "type": "tool"}]}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "tool_name")
	assert.Equal(t, 0, f.registry.Len())
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/runs/nope", "/api/runs/nope/events"} {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "").Code, path)
	}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/runs/nope/stop", "").Code)
}

func TestStopRunningRun(t *testing.T) {
	f := newFixture(t)
	doc := `{"plan": {"plan": [
		{"id": "T1", "type": "tool", "tool_name": "gate", "output_name": "result"},
		{"id": "L1", "type": "llm", "prompt": "never"},
		{"id": "END", "type": "end"}
	]}}`

	rec := f.do(t, http.MethodPost, "/api/execute", doc)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	require.Eventually(t, func() bool {
		snap, _ := f.registry.Get(id)
		return snap.CurrentStep == "T1"
	}, 2*time.Second, 5*time.Millisecond)

	stream := make(chan string)
	go func() {
		rec := f.do(t, http.MethodGet, "/api/runs/"+id+"/events", "")
		stream <- rec.Body.String()
	}()

	rec = f.do(t, http.MethodPost, "/api/runs/"+id+"/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	close(f.gate.release)
	f.srv.Wait()

	snap, ok := f.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, runstate.StatusStopped, snap.Status)
	assert.Equal(t, []string{"T1"}, snap.CompletedSteps)
	assert.Equal(t, "opened", snap.StepResults["T1"])

	select {
	case body := <-stream:
		assert.Contains(t, body, `"stopped":true`)
		assert.NotContains(t, body, `"stepId":"L1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end with the run")
	}
}

package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/plan"
)

// Brain answers a chat message.
type Brain interface {
	Think(ctx context.Context, chatID string, input string) (string, error)
}

// HistoryStore persists chat turns and run outcomes.
type HistoryStore interface {
	AddMessage(session string, msg llm.Message) error
	History(session string, limit int) ([]llm.Message, error)
	SaveRun(rec RunRecord) error
}

// RunRecord is the persisted outcome of a run.
type RunRecord struct {
	ID         string
	Session    string
	Query      string
	Status     string
	Output     string
	Iterations int
	Exhausted  bool
	FailedStep string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordOf summarizes res for storage.
func RecordOf(session, query string, started time.Time, res *RunResult) RunRecord {
	return RunRecord{
		ID:         res.RunID,
		Session:    session,
		Query:      query,
		Status:     res.Status,
		Output:     res.Output,
		Iterations: res.Iterations,
		Exhausted:  res.Exhausted,
		FailedStep: res.FailedStep,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}

// historyTurns is how many stored chat messages are shown to the planner.
const historyTurns = 6

// Agent plans a request and executes the plan.
type Agent struct {
	Planner *Planner
	Engine  *Engine
	History HistoryStore

	// NewRunID names each run. Runs are unnamed when nil.
	NewRunID func() string
}

// ExecuteTask plans query and runs the plan. maxIterations overrides the
// plan's own limit when positive. The returned document is nil only when
// planning itself failed.
func (a *Agent) ExecuteTask(ctx context.Context, query string, maxIterations int) (*RunResult, *plan.Document, error) {
	return a.execute(ctx, "", query, maxIterations)
}

func (a *Agent) execute(ctx context.Context, session, query string, maxIterations int) (*RunResult, *plan.Document, error) {
	var prior []llm.Message
	if a.History != nil && session != "" {
		msgs, err := a.History.History(session, historyTurns)
		if err != nil {
			log.Printf("Warning: failed to load history for %s: %v", session, err)
		}
		prior = msgs
	}

	doc, _, err := a.Planner.Plan(ctx, query, prior...)
	if err != nil {
		return nil, doc, err
	}
	p, err := doc.Build(a.Engine.cfg.DefaultMaxIterations)
	if err != nil {
		return nil, doc, fmt.Errorf("build plan: %w", err)
	}

	opts := RunOptions{MaxIterations: maxIterations, Task: query}
	if a.NewRunID != nil {
		opts.RunID = a.NewRunID()
	}

	started := time.Now()
	res := a.Engine.Run(ctx, p, opts)

	if a.History != nil {
		if err := a.History.SaveRun(RecordOf(session, query, started, res)); err != nil {
			log.Printf("Warning: failed to save run %s: %v", res.RunID, err)
		}
	}
	return res, doc, nil
}

// Think runs input as a task for a chat and records the exchange.
func (a *Agent) Think(ctx context.Context, chatID string, input string) (string, error) {
	res, _, err := a.execute(ctx, chatID, input, 0)
	if err != nil {
		return "", err
	}
	if a.History != nil {
		if err := a.History.AddMessage(chatID, llm.User(input)); err != nil {
			log.Printf("Warning: failed to store message: %v", err)
		}
		if err := a.History.AddMessage(chatID, llm.Assistant(res.Output)); err != nil {
			log.Printf("Warning: failed to store message: %v", err)
		}
	}
	return res.Output, nil
}

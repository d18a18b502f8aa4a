// Package progress defines the notifications a plan run emits while it
// executes.
package progress

import (
	"errors"
	"time"
)

// Kind is the transition an event reports.
type Kind string

const (
	Started   Kind = "started"
	Completed Kind = "completed"
	Failed    Kind = "failed"
)

// Scope tells run-level events apart from step events.
type Scope string

const (
	ScopeRun  Scope = "run"
	ScopeStep Scope = "step"
)

// RunStepID is the step id carried by run-level events. Plans may not use it
// as a step id.
const RunStepID = "execution"

// Payload keys.
const (
	KeyStepType    = "step_type"
	KeyDescription = "description"
	KeySuccess     = "success"
	KeyResult      = "result"
	KeyExecuted    = "executed"
	KeyError       = "error"
	KeyStopped     = "stopped"
	KeyExhausted   = "exhausted"
)

// Event is one progress notification.
type Event struct {
	RunID     string         `json:"runId,omitempty"`
	Scope     Scope          `json:"scope"`
	StepID    string         `json:"stepId"`
	Kind      Kind           `json:"eventKind"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsRun reports whether the event describes the run rather than a step.
func (e Event) IsRun() bool { return e.Scope == ScopeRun }

// RunEvent builds a run-level event.
func RunEvent(runID string, kind Kind, data map[string]any) Event {
	return Event{RunID: runID, Scope: ScopeRun, StepID: RunStepID, Kind: kind, Data: data, Timestamp: time.Now()}
}

// StepEvent builds an event about one step.
func StepEvent(runID, stepID string, kind Kind, data map[string]any) Event {
	return Event{RunID: runID, Scope: ScopeStep, StepID: stepID, Kind: kind, Data: data, Timestamp: time.Now()}
}

// String returns the string payload entry for key.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Sink receives progress events.
type Sink interface {
	Notify(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Notify(e Event) error { return f(e) }

type multi []Sink

// Multi fans out to every non-nil sink. Each sink is called even when an
// earlier one fails; the errors are joined.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Notify(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard ignores every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeRun         EventType = "run"
	EventTypeStep        EventType = "step"
	EventTypePlan        EventType = "plan"
	EventTypeToolCall    EventType = "tool_call"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeContext     EventType = "context"
	EventTypeWarning     EventType = "warning"
	EventTypeError       EventType = "error"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger writes one JSON object per line. LLM exchanges are also appended
// to a rotated file.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, filepath.Join("logs", "llm.jsonl"))
}

// NewLoggerTo writes events to w. An empty llmLogPath disables the LLM file.
func NewLoggerTo(w io.Writer, llmLogPath string) *Logger {
	return &Logger{
		out:        w,
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event. A nil Logger discards events.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":"error","data":{"error":%q}}`, "failed to marshal event: "+err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write log event: %v", err)
	}
	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogRun(runID, status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	l.Log(Event{Type: EventTypeRun, RunID: runID, Data: data})
}

func (l *Logger) LogStep(runID, stepID string, data map[string]any) {
	l.Log(Event{Type: EventTypeStep, RunID: runID, StepID: stepID, Data: data})
}

func (l *Logger) LogPlan(runID string, plan any) {
	l.Log(Event{Type: EventTypePlan, RunID: runID, Data: plan})
}

func (l *Logger) LogToolCall(runID, stepID, tool string, args any) {
	l.Log(Event{
		Type:   EventTypeToolCall,
		RunID:  runID,
		StepID: stepID,
		Data: map[string]any{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogPolicy(runID, stepID, tool, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		RunID:  runID,
		StepID: stepID,
		Data: map[string]string{
			"tool":   tool,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogContext(tokens, budget, elided, summarized int) {
	l.Log(Event{
		Type: EventTypeContext,
		Data: map[string]int{
			"tokens":     tokens,
			"budget":     budget,
			"elided":     elided,
			"summarized": summarized,
		},
	})
}

func (l *Logger) LogWarning(runID, stepID, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["message"] = message
	l.Log(Event{Type: EventTypeWarning, RunID: runID, StepID: stepID, Data: data})
}

func (l *Logger) LogError(runID, stepID, message string, err error) {
	data := map[string]string{"message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	l.Log(Event{Type: EventTypeError, RunID: runID, StepID: stepID, Data: data})
}

func (l *Logger) LogLLM(runID, stepID string, prompt any, response string) {
	l.Log(Event{
		Type:   EventTypeLLM,
		RunID:  runID,
		StepID: stepID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}

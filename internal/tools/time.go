package tools

import (
	"context"
	"time"
)

// TimeTool reports the current local date and time.
type TimeTool struct {
	Now func() time.Time
}

func NewTimeTool() *TimeTool {
	return &TimeTool{Now: time.Now}
}

func (t *TimeTool) Name() string {
	return "get_current_time"
}

func (t *TimeTool) Description() string {
	return "Returns the current date and time. It takes no arguments."
}

func (t *TimeTool) Keywords() []string {
	return []string{"time", "date", "today", "now", "clock", "day", "hour"}
}

func (t *TimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *TimeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return jsonResult(map[string]string{
		"status":       "success",
		"current_time": t.Now().Format("2006-01-02 15:04:05"),
	})
}

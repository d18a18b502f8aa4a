package llm

import (
	"context"
	"sync"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// History is the conversation of one model-facing session. Entries are only
// ever appended.
type History struct {
	mu       sync.Mutex
	messages []Message
}

// NewHistory returns a history seeded with msgs.
func NewHistory(msgs ...Message) *History {
	h := &History{}
	h.messages = append(h.messages, msgs...)
	return h
}

func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msgs...)
	h.mu.Unlock()
}

// Messages returns a copy of the entries.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

type historyKey struct{}

// ContextWithHistory attaches the session history to ctx.
func ContextWithHistory(ctx context.Context, h *History) context.Context {
	return context.WithValue(ctx, historyKey{}, h)
}

// HistoryFromContext returns the history attached by ContextWithHistory.
func HistoryFromContext(ctx context.Context) (*History, bool) {
	h, ok := ctx.Value(historyKey{}).(*History)
	return h, ok && h != nil
}

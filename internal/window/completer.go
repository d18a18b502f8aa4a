package window

import (
	"context"

	"github.com/rahul/stepwise/internal/llm"
)

// Completer fits every request into the manager's budget before passing it
// on. When the context carries a session history, the history is placed
// between the system message and the new messages.
type Completer struct {
	next    llm.Completer
	manager *Manager

	// OnFit, when set, observes each fitting.
	OnFit func(Result)
}

func NewCompleter(next llm.Completer, manager *Manager) *Completer {
	return &Completer{next: next, manager: manager}
}

func (c *Completer) Complete(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error) {
	var system llm.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		system, rest = messages[0], messages[1:]
	}

	history := rest
	if h, ok := llm.HistoryFromContext(ctx); ok {
		history = append(h.Messages(), rest...)
	}

	res := c.manager.FitDetailed(system, history)
	if c.OnFit != nil {
		c.OnFit(res)
	}
	return c.next.Complete(ctx, res.Messages, opts...)
}

// Package window assembles the message list sent to a model so that it
// stays inside a fixed token budget.
package window

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
)

// Config sets the budget and truncation parameters of a Manager.
type Config struct {
	// MaxTokens is the model context size.
	MaxTokens int
	// Reserve is kept free for the model's own output.
	Reserve int
	// PerMessageOverhead is added for every message in a batch count.
	PerMessageOverhead int
	// SummaryThreshold is the fraction of the budget under which an
	// elision summary is added.
	SummaryThreshold float64
	// HeadTokens and TailTokens bound what a truncated message keeps.
	HeadTokens int
	TailTokens int
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:          25000,
		Reserve:            2000,
		PerMessageOverhead: 4,
		SummaryThreshold:   0.8,
		HeadTokens:         200,
		TailTokens:         100,
	}
}

// Manager fits conversation history into a token budget.
type Manager struct {
	tok llm.Tokenizer
	cfg Config
}

func New(tok llm.Tokenizer, cfg Config) (*Manager, error) {
	if tok == nil {
		return nil, errors.New("window: tokenizer is required")
	}
	if cfg.MaxTokens-cfg.Reserve <= 0 {
		return nil, fmt.Errorf("window: reserve %d leaves no budget out of %d tokens", cfg.Reserve, cfg.MaxTokens)
	}
	if cfg.PerMessageOverhead < 0 {
		cfg.PerMessageOverhead = 0
	}
	if cfg.SummaryThreshold <= 0 || cfg.SummaryThreshold > 1 {
		cfg.SummaryThreshold = DefaultConfig().SummaryThreshold
	}
	if cfg.HeadTokens <= 0 {
		cfg.HeadTokens = DefaultConfig().HeadTokens
	}
	if cfg.TailTokens < 0 {
		cfg.TailTokens = 0
	}
	return &Manager{tok: tok, cfg: cfg}, nil
}

// Budget is the number of tokens a model call may receive.
func (m *Manager) Budget() int { return m.cfg.MaxTokens - m.cfg.Reserve }

func (m *Manager) CountText(s string) int { return len(m.tok.Encode(s)) }

func (m *Manager) CountMessage(msg llm.Message) int {
	return m.cfg.PerMessageOverhead + m.CountText(msg.Content)
}

func (m *Manager) CountMessages(msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.CountMessage(msg)
	}
	return total
}

// Result describes one fitting.
type Result struct {
	Messages []llm.Message
	Tokens   int

	Truncated   bool
	Summarized  int
	Elided      int
	ElidedUsers int
	ElidedTools int
	SummaryNote bool
}

// Fit returns the messages to send for system followed by history.
func (m *Manager) Fit(system llm.Message, history []llm.Message) []llm.Message {
	return m.FitDetailed(system, history).Messages
}

// FitDetailed is Fit with bookkeeping about what was removed.
//
// A history that fits is returned unchanged. Otherwise the system message and
// the first history entry are kept, and the rest is taken newest first while
// it fits. An important entry that does not fit is summarized instead; the
// first unimportant entry that does not fit ends the walk. A zero system
// message is treated as absent.
func (m *Manager) FitDetailed(system llm.Message, history []llm.Message) Result {
	hasSystem := system != (llm.Message{})
	full := make([]llm.Message, 0, len(history)+1)
	if hasSystem {
		full = append(full, system)
	}
	full = append(full, history...)

	budget := m.Budget()
	if total := m.CountMessages(full); total <= budget {
		return Result{Messages: full, Tokens: total}
	}

	res := Result{Truncated: true}
	remaining := budget

	if hasSystem {
		if c := m.CountMessage(system); c <= remaining {
			remaining -= c
		} else if t, ok := m.truncateToFit(system, remaining); ok {
			system = t
			remaining -= m.CountMessage(t)
		} else {
			hasSystem = false
		}
	}

	var first *llm.Message
	if len(history) > 0 {
		f := history[0]
		if c := m.CountMessage(f); c <= remaining {
			first = &f
			remaining -= c
		} else if t, ok := m.truncateToFit(f, remaining); ok {
			first = &t
			remaining -= m.CountMessage(t)
			res.Summarized++
		}
	}

	// Walk newest to oldest; kept is filled back to front.
	kept := make([]llm.Message, 0, len(history))
	stop := 0
	for i := len(history) - 1; i >= 1; i-- {
		msg := history[i]
		if c := m.CountMessage(msg); c <= remaining {
			kept = append(kept, msg)
			remaining -= c
			continue
		}
		if IsImportant(msg.Content) {
			if s, ok := m.summarize(msg, remaining); ok {
				kept = append(kept, s)
				remaining -= m.CountMessage(s)
				res.Summarized++
				continue
			}
		}
		stop = i
		break
	}
	for i := 1; i <= stop; i++ {
		res.Elided++
		if history[i].Role == llm.RoleUser {
			res.ElidedUsers++
		}
		if IsToolInvocation(history[i].Content) {
			res.ElidedTools++
		}
	}

	out := make([]llm.Message, 0, len(kept)+3)
	if hasSystem {
		out = append(out, system)
	}
	used := budget - remaining
	if res.Elided > 0 && float64(used) < m.cfg.SummaryThreshold*float64(budget) {
		note := llm.System(elisionSummary(res))
		if c := m.CountMessage(note); c <= remaining {
			out = append(out, note)
			remaining -= c
			res.SummaryNote = true
		}
	}
	if first != nil {
		out = append(out, *first)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}

	res.Messages = out
	res.Tokens = budget - remaining
	return res
}

func elisionSummary(r Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous conversation summary: %d earlier message", r.Elided)
	if r.Elided != 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, " omitted to fit the context window (%d user turns, %d tool invocations).", r.ElidedUsers, r.ElidedTools)
	b.WriteString(" Recent conversation continues below.")
	return b.String()
}

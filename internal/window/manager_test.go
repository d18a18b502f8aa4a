package window

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/stepwise/internal/llm"
)

// wordTokenizer treats every whitespace-separated word as one token.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	out := make([]int, len(fields))
	for i, f := range fields {
		out[i] = len(vocab)
		vocab = append(vocab, f)
	}
	return out
}

func (wordTokenizer) Decode(tokens []int) string {
	words := make([]string, len(tokens))
	for i, t := range tokens {
		words[i] = vocab[t]
	}
	return strings.Join(words, " ")
}

var vocab []string

func words(n int, w string) string {
	return strings.TrimSpace(strings.Repeat(w+" ", n))
}

func newManager(t *testing.T, maxTokens, reserve int) *Manager {
	t.Helper()
	m, err := New(wordTokenizer{}, Config{
		MaxTokens:          maxTokens,
		Reserve:            reserve,
		PerMessageOverhead: 1,
		SummaryThreshold:   0.8,
		HeadTokens:         4,
		TailTokens:         2,
	})
	require.NoError(t, err)
	return m
}

func TestNewRejectsEmptyBudget(t *testing.T) {
	_, err := New(wordTokenizer{}, Config{MaxTokens: 100, Reserve: 100})
	assert.Error(t, err)
	_, err = New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestCounting(t *testing.T) {
	m := newManager(t, 100, 0)
	assert.Equal(t, 3, m.CountText("a b c"))
	assert.Equal(t, 4, m.CountMessage(llm.User("a b c")))
	assert.Equal(t, 6, m.CountMessages([]llm.Message{llm.User("a b c"), llm.User("d")}))
}

func TestFitUnderBudgetIsUnchanged(t *testing.T) {
	m := newManager(t, 100, 10)
	system := llm.System("you are helpful")
	history := []llm.Message{llm.User("task one"), llm.Assistant("answer"), llm.User("more")}

	res := m.FitDetailed(system, history)
	assert.False(t, res.Truncated)
	assert.Equal(t, append([]llm.Message{system}, history...), res.Messages)
}

func TestFitKeepsSystemAndFirstAndNewest(t *testing.T) {
	m := newManager(t, 25, 0)
	system := llm.System("sys")
	history := []llm.Message{
		llm.User("the original task"),
		llm.Assistant(words(10, "old")),
		llm.User(words(10, "middle")),
		llm.Assistant(words(10, "recent")),
		llm.User("latest"),
	}

	res := m.FitDetailed(system, history)
	require.True(t, res.Truncated)
	assert.LessOrEqual(t, m.CountMessages(res.Messages), m.Budget())
	assert.Equal(t, res.Tokens, m.CountMessages(res.Messages))

	assert.Equal(t, system, res.Messages[0])
	assert.Contains(t, res.Messages, history[0])
	assert.Equal(t, history[4], res.Messages[len(res.Messages)-1])
	assert.Equal(t, history[3], res.Messages[len(res.Messages)-2])
	assert.NotContains(t, res.Messages, history[1])
	assert.Equal(t, 2, res.Elided)
}

func TestFitStopsAtFirstUnimportantMiss(t *testing.T) {
	m := newManager(t, 30, 0)
	system := llm.System("sys")
	history := []llm.Message{
		llm.User("task"),
		llm.User("tiny"),
		llm.Assistant(words(40, "filler")),
		llm.Assistant("newest"),
	}
	res := m.FitDetailed(system, history)

	// "tiny" would fit but is older than the dropped filler message.
	assert.NotContains(t, res.Messages, history[1])
	assert.Equal(t, 2, res.Elided)
	assert.Equal(t, 1, res.ElidedUsers)
}

func TestFitSummarizesImportantMessages(t *testing.T) {
	m := newManager(t, 40, 0)
	system := llm.System("sys")
	bigError := "error: " + words(60, "trace")
	history := []llm.Message{
		llm.User("task"),
		llm.Assistant(bigError),
		llm.Assistant("newest"),
	}
	res := m.FitDetailed(system, history)

	require.Equal(t, 1, res.Summarized)
	assert.LessOrEqual(t, m.CountMessages(res.Messages), m.Budget())

	var summarized string
	for _, msg := range res.Messages {
		if strings.Contains(msg.Content, "tokens elided") {
			summarized = msg.Content
		}
	}
	require.NotEmpty(t, summarized)
	assert.True(t, strings.HasPrefix(summarized, "error:"))
	assert.True(t, strings.HasSuffix(summarized, "trace"))
	assert.Equal(t, history[2], res.Messages[len(res.Messages)-1])
}

func TestFitSummarizesToolResults(t *testing.T) {
	m := newManager(t, 40, 0)
	system := llm.System("sys")
	tool := `Step T1 - Tool get_current_time: {"status": "success", "current_time": "2024-01-01 10:00:00", "padding": [` + strings.Repeat(`"x", `, 59) + `"x"]}`
	history := []llm.Message{
		llm.User("task"),
		llm.Assistant(tool),
		llm.Assistant("done"),
	}
	res := m.FitDetailed(system, history)
	require.Equal(t, 1, res.Summarized)

	found := false
	for _, msg := range res.Messages {
		if strings.HasPrefix(msg.Content, "Step T1 - Tool get_current_time [summarized]:") {
			found = true
			assert.Contains(t, msg.Content, "status=success")
			assert.Contains(t, msg.Content, "current_time=2024-01-01 10:00:00")
		}
	}
	assert.True(t, found)
}

func TestFitAddsElisionSummaryWhenRoomRemains(t *testing.T) {
	m := newManager(t, 100, 0)
	system := llm.System("sys")
	history := []llm.Message{
		llm.User("task"),
		llm.User("question one"),
		llm.Assistant("Step T1 - Tool list_files: a.go"),
		llm.Assistant(words(120, "bulk")),
		llm.Assistant("short"),
	}
	res := m.FitDetailed(system, history)

	require.True(t, res.SummaryNote)
	assert.Equal(t, 3, res.Elided)
	assert.Equal(t, 1, res.ElidedUsers)
	assert.Equal(t, 1, res.ElidedTools)
	require.GreaterOrEqual(t, len(res.Messages), 3)
	assert.Equal(t, llm.RoleSystem, res.Messages[1].Role)
	assert.Contains(t, res.Messages[1].Content, "1 user turns, 1 tool invocations")
	assert.Equal(t, history[0], res.Messages[2])
	assert.LessOrEqual(t, m.CountMessages(res.Messages), m.Budget())
}

func TestFitAlwaysWithinBudget(t *testing.T) {
	m := newManager(t, 25, 5)
	for n := 1; n < 30; n++ {
		history := []llm.Message{llm.User("task statement here")}
		for i := 0; i < n; i++ {
			content := words(i%7+1, "w")
			if i%3 == 0 {
				content = "failed " + content
			}
			history = append(history, llm.Assistant(content))
		}
		got := m.Fit(llm.System("system prompt"), history)
		assert.LessOrEqual(t, m.CountMessages(got), m.Budget(), "n=%d", n)
		assert.Equal(t, "system prompt", got[0].Content)
		assert.Contains(t, got, history[0])
	}
}

func TestIsImportant(t *testing.T) {
	assert.True(t, IsImportant("Traceback (most recent call last)"))
	assert.True(t, IsImportant("the tool failed"))
	assert.True(t, IsImportant("Actually, use the other file"))
	assert.True(t, IsImportant(`{"status": "ok"}`))
	assert.True(t, IsImportant("Step T1 - Tool search: results"))
	assert.False(t, IsImportant("here is a poem about trees"))
}

func TestCompleterUsesContextHistory(t *testing.T) {
	m := newManager(t, 100, 0)
	var sent []llm.Message
	next := llm.CompleterFunc(func(ctx context.Context, msgs []llm.Message, opts ...llm.Option) (string, error) {
		sent = msgs
		return "ok", nil
	})
	c := NewCompleter(next, m)

	var fits int
	c.OnFit = func(Result) { fits++ }

	h := llm.NewHistory(llm.User("task"), llm.Assistant("Step L1: hi"))
	ctx := llm.ContextWithHistory(context.Background(), h)
	out, err := c.Complete(ctx, []llm.Message{llm.System("exec"), llm.User("next prompt")})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, fits)
	assert.Equal(t, []llm.Message{
		llm.System("exec"),
		llm.User("task"),
		llm.Assistant("Step L1: hi"),
		llm.User("next prompt"),
	}, sent)

	_, err = c.Complete(context.Background(), []llm.Message{llm.User("plain")})
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{llm.User("plain")}, sent)
}

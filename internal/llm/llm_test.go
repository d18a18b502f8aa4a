package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	got  []llms.MessageContent
	opts llms.CallOptions
	resp *llms.ContentResponse
	err  error
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = msgs
	for _, o := range options {
		o(&f.opts)
	}
	return f.resp, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainCompleter(t *testing.T) {
	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "42"}}}}
	c := &LangChainCompleter{Model: m}

	out, err := c.Complete(context.Background(), []Message{System("sys"), User("q"), Assistant("a")}, WithJSONMode(), WithMaxTokens(64))
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	require.Len(t, m.got, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, m.got[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.got[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, m.got[2].Role)
	assert.True(t, m.opts.JSONMode)
	assert.Equal(t, 64, m.opts.MaxTokens)
}

func TestLangChainCompleterErrors(t *testing.T) {
	c := &LangChainCompleter{Model: &fakeModel{resp: &llms.ContentResponse{}}}
	_, err := c.Complete(context.Background(), []Message{User("q")})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	boom := errors.New("boom")
	c = &LangChainCompleter{Model: &fakeModel{err: boom}}
	_, err = c.Complete(context.Background(), []Message{User("q")})
	assert.ErrorIs(t, err, boom)
}

func TestHistory(t *testing.T) {
	h := NewHistory(User("task"))
	h.Append(Assistant("a"), User("b"))
	assert.Equal(t, 3, h.Len())

	msgs := h.Messages()
	msgs[0].Content = "changed"
	assert.Equal(t, "task", h.Messages()[0].Content)
}

func TestHistoryContext(t *testing.T) {
	_, ok := HistoryFromContext(context.Background())
	assert.False(t, ok)

	h := NewHistory()
	got, ok := HistoryFromContext(ContextWithHistory(context.Background(), h))
	assert.True(t, ok)
	assert.Same(t, h, got)
}

func TestApplyOptions(t *testing.T) {
	o := ApplyOptions(WithTemperature(0.2), WithMaxTokens(10))
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.2, *o.Temperature, 1e-9)
	assert.Equal(t, 10, o.MaxTokens)
	assert.False(t, o.JSONMode)
}

func TestRateLimited(t *testing.T) {
	calls := 0
	next := CompleterFunc(func(ctx context.Context, messages []Message, opts ...Option) (string, error) {
		calls++
		return "ok", nil
	})

	_, limited := NewRateLimited(next, 0, 1).(*RateLimited)
	assert.False(t, limited)

	rl := NewRateLimited(next, 1000, 5)
	for i := 0; i < 3; i++ {
		out, err := rl.Complete(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewRateLimited(next, 0.001, 1)
	_, _ = slow.Complete(context.Background(), nil)
	_, err := slow.Complete(ctx, nil)
	assert.Error(t, err)
}

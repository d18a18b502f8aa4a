package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainCompleter completes through a langchaingo model.
type LangChainCompleter struct {
	Model llms.Model
}

// NewLangChain builds an OpenAI-compatible langchaingo model.
func NewLangChain(apiKey, model, baseURL string) (*LangChainCompleter, error) {
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain model: %w", err)
	}
	return &LangChainCompleter{Model: m}, nil
}

func (c *LangChainCompleter) Complete(ctx context.Context, messages []Message, opts ...Option) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.MessageContent{
			Role:  chatMessageType(m.Role),
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}

	o := ApplyOptions(opts...)
	var callOpts []llms.CallOption
	if o.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}
	if o.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(o.MaxTokens))
	}
	if o.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*o.Temperature))
	}

	resp, err := c.Model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(r Role) llms.ChatMessageType {
	switch r {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Completer sends messages to a model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts ...Option) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message, opts ...Option) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []Message, opts ...Option) (string, error) {
	return f(ctx, messages, opts...)
}

// CallOptions are per-request settings.
type CallOptions struct {
	JSONMode    bool
	MaxTokens   int
	Temperature *float64
}

type Option func(*CallOptions)

// WithJSONMode asks the model to reply with a JSON object.
func WithJSONMode() Option {
	return func(o *CallOptions) { o.JSONMode = true }
}

func WithMaxTokens(n int) Option {
	return func(o *CallOptions) { o.MaxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(o *CallOptions) { o.Temperature = &t }
}

// ApplyOptions folds opts into a CallOptions value.
func ApplyOptions(opts ...Option) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

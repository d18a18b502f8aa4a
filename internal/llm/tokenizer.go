package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer splits text into model tokens.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Tiktoken is a Tokenizer backed by the BPE encoding of a model family.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding used by model, e.g. "gpt-4".
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding for %q: %w", model, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tiktoken) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

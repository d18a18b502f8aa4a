package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

const maxSearchChars = 8000

// webSearcher is the part of a langchaingo tool the search tool needs.
type webSearcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// SearchTool answers web queries through DuckDuckGo.
type SearchTool struct {
	engine webSearcher
}

// NewSearchTool keeps at most maxResults hits per query, 10 when unset.
func NewSearchTool(maxResults int) (*SearchTool, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{engine: ddg}, nil
}

func (s *SearchTool) Name() string { return "search" }

func (s *SearchTool) Description() string {
	return "Search the web for current information. Returns titles, links and snippets of the top results."
}

func (s *SearchTool) Keywords() []string {
	return []string{"search", "web", "internet", "news", "latest", "lookup", "google", "find out"}
}

func (s *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to search for",
			},
		},
		"required": []string{"query"},
	}
}

func (s *SearchTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return "", errors.New("query is required")
	}

	hits, err := s.engine.Call(ctx, query)
	if err != nil {
		return jsonResult(map[string]any{"status": "failed", "query": query, "error": err.Error()})
	}
	hits = strings.TrimSpace(hits)
	if hits == "" {
		return jsonResult(map[string]any{"status": "success", "query": query, "results": "no results"})
	}
	return jsonResult(map[string]any{"status": "success", "query": query, "results": clipText(hits, maxSearchChars)})
}

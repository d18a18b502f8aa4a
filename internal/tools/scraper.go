package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultPageChars = 50000
	maxPageBytes     = 5 << 20
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ScraperTool fetches a page and extracts its readable text.
type ScraperTool struct {
	UserAgent string
	Client    *http.Client

	sanitizer *bluemonday.Policy
}

func NewScraperTool() *ScraperTool {
	return &ScraperTool{
		UserAgent: browserUserAgent,
		Client:    &http.Client{Timeout: 30 * time.Second},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (s *ScraperTool) Name() string { return "fetch_url" }

func (s *ScraperTool) Description() string {
	return "Download an http(s) page and return its main article text with the title and excerpt."
}

func (s *ScraperTool) Keywords() []string {
	return []string{"url", "http", "website", "webpage", "page", "article", "read", "fetch", "link"}
}

func (s *ScraperTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http or https URL of the page",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Longest content to return, default %d", defaultPageChars),
			},
		},
		"required": []string{"url"},
	}
}

type page struct {
	Status    string `json:"status"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Excerpt   string `json:"excerpt,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (s *ScraperTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}
	target, err := parsePageURL(args.URL)
	if err != nil {
		return "", err
	}
	if args.MaxChars <= 0 {
		args.MaxChars = defaultPageChars
	}

	body, err := s.fetch(ctx, target)
	if err != nil {
		return "", err
	}
	defer body.Close()

	p, err := s.extract(io.LimitReader(body, maxPageBytes), target)
	if err != nil {
		return "", err
	}
	if r := []rune(p.Content); len(r) > args.MaxChars {
		p.Content = string(r[:args.MaxChars])
		p.Truncated = true
	}
	return jsonResult(p)
}

func parsePageURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u, nil
}

func (s *ScraperTool) fetch(ctx context.Context, target *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status code %d", target, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *ScraperTool) extract(r io.Reader, target *url.URL) (page, error) {
	article, err := readability.FromReader(r, target)
	if err != nil {
		return page{}, fmt.Errorf("failed to parse article: %w", err)
	}
	return page{
		Status:  "success",
		URL:     target.String(),
		Title:   strings.TrimSpace(article.Title),
		Excerpt: strings.TrimSpace(s.sanitizer.Sanitize(article.Excerpt)),
		Content: strings.TrimSpace(s.sanitizer.Sanitize(article.TextContent)),
	}, nil
}

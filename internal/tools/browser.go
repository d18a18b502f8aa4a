package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

const (
	browserActionTimeout = 60 * time.Second
	maxBrowserChars      = 50000
)

// BrowserTool drives a Chrome instance. The browser stays open between
// calls until the "close" action or Close.
type BrowserTool struct {
	Headless      bool
	ScreenshotDir string

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{Headless: headless, ScreenshotDir: "screenshots"}
}

type browserArgs struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// browserAction is one supported action. needs lists the arguments it
// cannot run without.
type browserAction struct {
	needs []string
	run   func(b *BrowserTool, ctx context.Context, a browserArgs) (string, error)
}

var browserActions = map[string]browserAction{
	"navigate": {needs: []string{"url"}, run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		return "navigated to " + a.URL, chromedp.Run(ctx, chromedp.Navigate(a.URL))
	}},
	"text": {run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		var text string
		err := chromedp.Run(ctx, chromedp.Text("body", &text, chromedp.ByQuery))
		return clipText(text, maxBrowserChars), err
	}},
	"content": {run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		var html string
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}))
		return clipText(html, maxBrowserChars), err
	}},
	"click": {needs: []string{"selector"}, run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		return "clicked " + a.Selector, chromedp.Run(ctx, chromedp.Click(a.Selector, chromedp.ByQuery))
	}},
	"type": {needs: []string{"selector", "text"}, run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		return "typed into " + a.Selector, chromedp.Run(ctx, chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery))
	}},
	"wait": {needs: []string{"selector"}, run: func(_ *BrowserTool, ctx context.Context, a browserArgs) (string, error) {
		return a.Selector + " is visible", chromedp.Run(ctx, chromedp.WaitVisible(a.Selector, chromedp.ByQuery))
	}},
	"back": {run: func(_ *BrowserTool, ctx context.Context, _ browserArgs) (string, error) {
		return "navigated back", chromedp.Run(ctx, chromedp.NavigateBack())
	}},
	"reload": {run: func(_ *BrowserTool, ctx context.Context, _ browserArgs) (string, error) {
		return "page reloaded", chromedp.Run(ctx, chromedp.Reload())
	}},
	"screenshot": {run: func(b *BrowserTool, ctx context.Context, _ browserArgs) (string, error) {
		var buf []byte
		if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return "", err
		}
		return b.saveScreenshot(buf)
	}},
}

func browserActionNames() []string {
	names := make([]string, 0, len(browserActions)+1)
	for name := range browserActions {
		names = append(names, name)
	}
	names = append(names, "close")
	sort.Strings(names)
	return names
}

func (b *BrowserTool) Name() string { return "browser" }

func (b *BrowserTool) Description() string {
	return "Drive a real browser for pages that need clicks, typing or JavaScript. " +
		"The page stays open between calls until the 'close' action."
}

func (b *BrowserTool) Keywords() []string {
	return []string{"browser", "browse", "click", "navigate", "login", "form", "screenshot", "javascript"}
}

func (b *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        browserActionNames(),
				"description": "The action to perform.",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Page to open (navigate)",
			},
			"selector": map[string]any{
				"type":        "string",
				"description": "CSS selector of the element (click, type, wait)",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Text to enter (type)",
			},
		},
		"required": []string{"action"},
	}
}

func (b *BrowserTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args browserArgs
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}
	if args.Action == "close" {
		b.Close()
		return jsonResult(map[string]string{"status": "success", "action": "close", "result": "browser closed"})
	}
	if err := validateBrowserArgs(args.Action, args.URL, args.Selector, args.Text); err != nil {
		return "", err
	}

	browserCtx, err := b.session()
	if err != nil {
		return "", fmt.Errorf("failed to start browser: %w", err)
	}
	actionCtx, cancel := context.WithTimeout(browserCtx, browserActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	result, err := browserActions[args.Action].run(b, actionCtx, args)
	if err != nil {
		return "", fmt.Errorf("browser action %q failed: %w", args.Action, err)
	}
	return jsonResult(map[string]string{"status": "success", "action": args.Action, "result": result})
}

// session returns the live browser context, starting Chrome when none is
// running.
func (b *BrowserTool) session() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	b.shutdown()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	b.browserCtx, b.browserCancel, b.allocCancel = browserCtx, browserCancel, allocCancel
	return browserCtx, nil
}

func (b *BrowserTool) shutdown() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
}

// Close shuts the browser down.
func (b *BrowserTool) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown()
}

func (b *BrowserTool) saveScreenshot(buf []byte) (string, error) {
	if err := os.MkdirAll(b.ScreenshotDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(b.ScreenshotDir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "screenshot saved to " + path, nil
}

func validateBrowserArgs(action, url, selector, text string) error {
	a, ok := browserActions[action]
	if !ok {
		return fmt.Errorf("invalid action %q", action)
	}
	given := map[string]string{"url": url, "selector": selector, "text": text}
	var errs []error
	for _, name := range a.needs {
		if given[name] == "" {
			errs = append(errs, fmt.Errorf("%s is required for '%s'", name, action))
		}
	}
	return errors.Join(errs...)
}

func clipText(s string, n int) string {
	if len(s) > n {
		return s[:n] + "\n... (truncated)"
	}
	return s
}

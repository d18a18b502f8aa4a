package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/rahul/stepwise/internal/progress"
)

var (
	bannerColor = color.New(color.FgHiCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed)
	stepColor   = color.New(color.FgCyan)
	dimColor    = color.New(color.Faint)
)

// ------------------------------------------------------------
// Utility
// ------------------------------------------------------------

func termWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

const banner = `
     _                         _
 ___| |_ ___ _ __ __      ___(_)___  ___
/ __| __/ _ \ '_ \\ \ /\ / / | / __|/ _ \
\__ \ ||  __/ |_) |\ V  V /| | \__ \  __/
|___/\__\___| .__/  \_/\_/ |_|_|___/\___|
            |_|
        >> PLAN EXECUTION ENGINE <<
`

// PrintBanner writes the centered banner to f.
func PrintBanner(f *os.File) {
	width := termWidth(f)
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Fprintln(f, strings.Repeat(" ", padding)+bannerColor.Sprint(l))
	}
}

// ------------------------------------------------------------
// Console progress
// ------------------------------------------------------------

// Console prints progress events as human readable lines.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
	width int
}

// NewConsole writes progress lines to w, trimming results to width columns.
func NewConsole(w io.Writer, width int) *Console {
	if width <= 0 {
		width = 80
	}
	return &Console{out: w, start: time.Now(), width: width}
}

// NewTerminalConsole sizes its output to the terminal behind f.
func NewTerminalConsole(f *os.File) *Console {
	return NewConsole(f, termWidth(f))
}

func (c *Console) Notify(e progress.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := dimColor.Sprintf("[%6s]", time.Since(c.start).Round(100*time.Millisecond))
	var line string
	switch {
	case e.IsRun() && e.Kind == progress.Started:
		line = fmt.Sprintf("%s %s", elapsed, stepColor.Sprint("run started"))
	case e.IsRun() && e.Kind == progress.Completed:
		line = fmt.Sprintf("%s %s", elapsed, okColor.Sprint("run completed"))
	case e.IsRun():
		line = fmt.Sprintf("%s %s %s", elapsed, failColor.Sprint("run failed:"), e.String(progress.KeyError))
	case e.Kind == progress.Started:
		line = fmt.Sprintf("%s %s %s %s", elapsed, stepColor.Sprint("▶"), e.StepID, dimColor.Sprint(e.String(progress.KeyDescription)))
	case e.Kind == progress.Completed:
		line = fmt.Sprintf("%s %s %s %s", elapsed, okColor.Sprint("✓"), e.StepID, c.clip(e.String(progress.KeyResult)))
	default:
		line = fmt.Sprintf("%s %s %s %s", elapsed, failColor.Sprint("✗"), e.StepID, e.String(progress.KeyError))
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func (c *Console) clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	limit := c.width - 24
	if limit < 10 {
		limit = 10
	}
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}

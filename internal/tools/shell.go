package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellOutput      = 20000
)

// ShellTool runs a bash command inside Dir. Deny unsafe commands with the
// governance policy; the tool itself does not filter them.
type ShellTool struct {
	Dir     string
	Timeout time.Duration
}

func NewShellTool(dir string) *ShellTool {
	return &ShellTool{Dir: dir, Timeout: defaultShellTimeout}
}

func (s *ShellTool) Name() string {
	return "shell"
}

func (s *ShellTool) Description() string {
	return "Execute a shell command in the workspace and return its combined output. Use with caution."
}

func (s *ShellTool) Keywords() []string {
	return []string{"shell", "command", "run", "execute", "bash", "script", "terminal"}
}

func (s *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (s *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("empty command")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", in.Command)
	cmd.Dir = s.Dir

	// Create a combined output capture
	output, err := cmd.CombinedOutput()

	result := strings.TrimSpace(string(output))
	if len(result) > maxShellOutput {
		result = result[:maxShellOutput] + "\n... (output truncated)"
	}

	status := "success"
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("run command: %w", err)
		}
		status = "failed"
		exitCode = exitErr.ExitCode()
	}
	return jsonResult(map[string]any{
		"status":    status,
		"exit_code": exitCode,
		"output":    result,
	})
}

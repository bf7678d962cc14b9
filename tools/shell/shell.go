// Package shell provides the run_cmd tool: shell command execution in the
// workspace directory with a hard timeout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/bmcool/agentspine"
)

// defaultTimeout bounds command execution when the caller does not set one.
const defaultTimeout = 30 * time.Second

// Tool executes shell commands in the workspace directory.
type Tool struct {
	workspaceDir string
	timeout      time.Duration
}

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout overrides the default 30s command timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// New creates a shell Tool. Commands run with workspaceDir as their
// working directory.
func New(workspaceDir string, opts ...Option) *Tool {
	t := &Tool{workspaceDir: workspaceDir, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []agentspine.ToolDefinition {
	return []agentspine.ToolDefinition{{
		Name:        "run_cmd",
		Description: "Run a shell command in the workspace directory and return its combined output. Commands are killed after the timeout.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (agentspine.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentspine.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return agentspine.ToolResult{Error: "command is required"}, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "[stderr]\n" + stderr.String()
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return agentspine.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %s", t.timeout)}, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if output != "" {
				output += "\n"
			}
			output += fmt.Sprintf("[exit code: %d]", exitErr.ExitCode())
			return agentspine.ToolResult{Content: output}, nil
		}
		return agentspine.ToolResult{Content: output, Error: "exec error: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return agentspine.ToolResult{Content: output}, nil
}

var _ agentspine.Tool = (*Tool)(nil)

// Package file provides workspace-scoped filesystem tools: read_file,
// write_file, and list_directory. All paths are resolved relative to the
// workspace directory and may not escape it.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmcool/agentspine"
)

// Tool provides file read/write/list within a sandboxed workspace.
type Tool struct {
	workspaceDir string
}

// New creates a file Tool restricted to workspaceDir.
func New(workspaceDir string) *Tool {
	return &Tool{workspaceDir: workspaceDir}
}

func (t *Tool) Definitions() []agentspine.ToolDefinition {
	return []agentspine.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace and return its content.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories as needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a workspace directory. Directories are prefixed with 'd', files with 'f'.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace; defaults to the workspace root"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (agentspine.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentspine.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "read_file":
		resolved, err := t.resolve(params.Path)
		if err != nil {
			return agentspine.ToolResult{Error: err.Error()}, nil
		}
		return t.read(resolved)
	case "write_file":
		resolved, err := t.resolve(params.Path)
		if err != nil {
			return agentspine.ToolResult{Error: err.Error()}, nil
		}
		return t.write(resolved, params.Path, params.Content)
	case "list_directory":
		if params.Path == "" {
			params.Path = "."
		}
		resolved, err := t.resolve(params.Path)
		if err != nil {
			return agentspine.ToolResult{Error: err.Error()}, nil
		}
		return t.list(resolved)
	default:
		return agentspine.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// resolve joins path onto the workspace and rejects anything that could
// reach outside it.
func (t *Tool) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.Join(t.workspaceDir, cleaned), nil
}

func (t *Tool) read(path string) (agentspine.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agentspine.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	return agentspine.ToolResult{Content: string(data)}, nil
}

func (t *Tool) write(path, rel, content string) (agentspine.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return agentspine.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return agentspine.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return agentspine.ToolResult{Content: fmt.Sprintf("OK: wrote %d chars to %s", len(content), rel)}, nil
}

func (t *Tool) list(path string) (agentspine.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return agentspine.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	if len(entries) == 0 {
		return agentspine.ToolResult{Content: "(empty directory)"}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString("d " + e.Name() + "\n")
		} else {
			b.WriteString("f " + e.Name() + "\n")
		}
	}
	return agentspine.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

var _ agentspine.Tool = (*Tool)(nil)

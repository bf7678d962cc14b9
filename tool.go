package agentspine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Details is an optional
// structured payload passed through verbatim to the tool_execution_end
// event; the core never inspects it.
type ToolResult struct {
	Content string `json:"content"`
	Details any    `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolErrorPrefix marks tool result messages that record a failure.
const ToolErrorPrefix = "[Tool Error]"

// --- execution context ---

// ExecInfo is the per-dispatch context handed to tool handlers: which
// session is calling, where the workspace is, and a progress callback that
// surfaces as tool_execution_update events. Retrieved via ExecInfoFrom.
type ExecInfo struct {
	SessionID    string
	WorkspaceDir string
	// OnProgress emits intermediate progress text. Never nil when the
	// dispatcher installed it; handlers should still guard for detached use.
	OnProgress func(text string)
}

type execInfoKey struct{}

// WithExecInfo returns a context carrying info for tool handlers.
func WithExecInfo(ctx context.Context, info ExecInfo) context.Context {
	return context.WithValue(ctx, execInfoKey{}, info)
}

// ExecInfoFrom extracts the dispatch context, or a zero value when the tool
// is executed outside the loop.
func ExecInfoFrom(ctx context.Context) ExecInfo {
	info, _ := ctx.Value(execInfoKey{}).(ExecInfo)
	return info
}

// --- registry ---

// ToolRegistry holds all registered tools and dispatches execution by name.
// Later registrations shadow earlier ones, so caller-supplied extra tools
// win over built-ins; OnConflict reports each shadowing.
type ToolRegistry struct {
	tools []Tool
	index map[string]Tool
	// OnConflict, when set, is called with the shadowed name on Add.
	OnConflict func(name string)
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{index: make(map[string]Tool)}
}

// Add registers a tool. Names already present are re-pointed at t.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		if _, exists := r.index[d.Name]; exists && r.OnConflict != nil {
			r.OnConflict(d.Name)
		}
		r.index[d.Name] = t
	}
}

// AllDefinitions returns the effective tool definitions in registration
// order, shadowed names excluded.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if r.index[d.Name] == t {
				defs = append(defs, d)
			}
		}
	}
	return defs
}

// Summaries returns (name, description) pairs for prompt building.
func (r *ToolRegistry) Summaries() []ToolSummary {
	defs := r.AllDefinitions()
	out := make([]ToolSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolSummary{Name: d.Name, Description: d.Description})
	}
	return out
}

// Execute dispatches a tool call by name. Handler panics are caught and
// converted to error results so a broken tool cannot crash the loop.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (result ToolResult, err error) {
	t, ok := r.index[name]
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{Error: fmt.Sprintf("tool %q panic: %v", name, p)}
			err = nil
		}
	}()
	return t.Execute(ctx, name, args)
}

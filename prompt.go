package agentspine

import (
	"runtime"
	"strings"
	"time"
)

// ToolSummary is a compact (name, description) pair for prompt building.
type ToolSummary struct {
	Name        string
	Description string
}

// PromptBuilder assembles the per-round system prompt. The template is
// stable: identity, tooling, workspace/runtime, safety. The clock is
// rendered at day granularity so repeated rounds within a day produce an
// identical prompt (keeps provider-side prompt caching effective).
type PromptBuilder struct {
	// Role replaces the default identity block when non-empty.
	Role string
	// MaxToolOutputChars is surfaced in the safety section as guidance.
	MaxToolOutputChars int
	// Now supplies the clock; nil means time.Now. Tests override it.
	Now func() time.Time
}

// NewPromptBuilder creates a builder with the default identity.
func NewPromptBuilder(maxToolOutputChars int) *PromptBuilder {
	if maxToolOutputChars <= 0 {
		maxToolOutputChars = maxToolResultChars
	}
	return &PromptBuilder{MaxToolOutputChars: maxToolOutputChars}
}

// Build renders the system prompt for one round.
func (b *PromptBuilder) Build(provider, model, workspaceDir string, tools []ToolSummary) string {
	var sections []string
	sections = append(sections, b.identitySection()...)
	sections = append(sections, b.toolingSection(tools)...)
	sections = append(sections, b.runtimeSection(provider, model, workspaceDir)...)
	sections = append(sections, b.safetySection()...)
	return strings.TrimSpace(strings.Join(sections, "\n"))
}

func (b *PromptBuilder) identitySection() []string {
	if b.Role != "" {
		return []string{"## Identity", b.Role, ""}
	}
	return []string{
		"## Identity",
		"You are a reactive coding agent.",
		"Work step-by-step with tools and return concise final answers.",
		"",
	}
}

func (b *PromptBuilder) toolingSection(tools []ToolSummary) []string {
	lines := []string{
		"## Tooling",
		"Use tools when file or shell operations are needed.",
		"Prefer reading before writing and avoid guessing file paths.",
		"Available tools:",
	}
	for _, t := range tools {
		lines = append(lines, "- "+t.Name+": "+t.Description)
	}
	return append(lines, "")
}

func (b *PromptBuilder) runtimeSection(provider, model, workspaceDir string) []string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return []string{
		"## Workspace and Runtime",
		"- Workspace root: " + workspaceDir,
		"- Provider/model: " + provider + "/" + model,
		"- OS: " + runtime.GOOS + "/" + runtime.GOARCH,
		"- Date: " + now().UTC().Format("2006-01-02"),
		"",
	}
}

func (b *PromptBuilder) safetySection() []string {
	return []string{
		"## Safety",
		"- For destructive actions, explain intent clearly before executing.",
		"- Keep command outputs concise and summarize key results.",
		"- If a tool output is very long, keep the most relevant parts.",
		"",
	}
}

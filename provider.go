package agentspine

import "context"

// CompletionRequest is one round's input to a Provider.
type CompletionRequest struct {
	// Model selects the model for this call.
	Model string
	// Messages is the full context view, system prompt first.
	Messages []ChatMessage
	// Tools lists the callable tools for this round. Empty disables tool use.
	Tools []ToolDefinition
	// SessionID identifies the session for providers with session-aware
	// caching knobs. Optional.
	SessionID string
	// ThinkingLevel requests extended reasoning: "off", "minimal", "low",
	// "medium", "high", "xhigh". Providers map it to their native mechanism
	// and ignore unsupported levels.
	ThinkingLevel string
	// APIKey overrides the provider's construction-time credential for this
	// call. Set by the agent's GetAPIKey hook. Empty means use the default.
	APIKey string
	// OnTextDelta receives incremental text chunks when non-nil. Providers
	// that cannot stream may call it once with the full text.
	OnTextDelta func(delta string)
}

// CompletionResponse is the assistant's reply for one round.
type CompletionResponse struct {
	// Message is the assistant message to append to the session, including
	// any tool calls. Role is always "assistant".
	Message ChatMessage
	// Usage reports token consumption for this call. Zero when the provider
	// does not report usage.
	Usage Usage
}

// Text returns the assistant's text content.
func (r CompletionResponse) Text() string { return r.Message.Content }

// ToolCalls returns the tool calls requested by the assistant, if any.
func (r CompletionResponse) ToolCalls() []ToolCall { return r.Message.ToolCalls }

// Provider abstracts the LLM backend.
type Provider interface {
	// Complete sends one round's messages and returns the assistant reply.
	// Transient failures should surface as *ErrHTTP so retry middleware can
	// classify them.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// Package anthropic implements agentspine.Provider for the Anthropic
// Messages API, including tool use, extended thinking, and SSE streaming.
package anthropic

import "encoding/json"

// --- Request types ---

// MessagesRequest is the Anthropic Messages API request body.
type MessagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
	Thinking  *Thinking `json:"thinking,omitempty"`
	// Metadata carries the session ID as user_id for provider-side
	// abuse detection.
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Thinking enables extended thinking with a token budget.
type Thinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// Metadata is request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Message is one turn in the Anthropic format: role plus content blocks.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a typed content element. Type discriminates which
// fields are set: "text", "tool_use", "tool_result", or "thinking".
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool describes a callable tool in the Anthropic format.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- Response types ---

// MessagesResponse is the non-streaming Messages API response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// --- Streaming event types ---

// streamEvent is the envelope for one SSE event. Only the fields
// relevant to the named event type are populated.
type streamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	Message      *MessagesResponse `json:"message,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *streamDelta      `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// streamDelta carries the incremental payload of content_block_delta and
// message_delta events.
type streamDelta struct {
	Type        string `json:"type"` // "text_delta", "input_json_delta", ...
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

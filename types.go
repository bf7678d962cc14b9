package agentspine

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message provenance tags. Set on messages the runtime injects itself so
// consumers can tell them apart from ordinary caller input.
const (
	SourceSteer      = "steer"
	SourceFollowUp   = "follow_up"
	SourceSkipped    = "skipped"
	SourceCompaction = "compaction"
)

// ChatMessage is a single message in a session.
// Role discriminates the shape: assistant messages may carry ToolCalls,
// tool messages carry the ToolCallID they answer.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Source     string     `json:"source,omitempty"`
	CreatedAt  int64      `json:"created_at,omitempty"`
}

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool for the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage tracks token consumption for one provider call or a whole session.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add accumulates d into u. A zero TotalTokens on d is derived from
// input+output so partial provider reports still move the total.
func (u *Usage) Add(d Usage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
	total := d.TotalTokens
	if total == 0 {
		total = d.InputTokens + d.OutputTokens
	}
	u.TotalTokens += total
	u.CacheReadTokens += d.CacheReadTokens
	u.CacheWriteTokens += d.CacheWriteTokens
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text, CreatedAt: NowUnix()}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text, CreatedAt: NowUnix()}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text, CreatedAt: NowUnix()}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name, CreatedAt: NowUnix()}
}

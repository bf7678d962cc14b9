package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/bmcool/agentspine"
)

// defaultMaxTokens is the response cap when thinking is disabled.
const defaultMaxTokens = 2048

// BuildBody converts agentspine messages into the Anthropic Messages
// format: system messages are extracted into the top-level system field,
// tool results become tool_result blocks on user turns, and adjacent
// same-role turns are merged (the API rejects consecutive turns with the
// same role).
func BuildBody(req agentspine.CompletionRequest, model string) MessagesRequest {
	var system []string
	var msgs []Message

	for _, m := range req.Messages {
		switch m.Role {
		case agentspine.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}

		case agentspine.RoleAssistant:
			var blocks []ContentBlock
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ContentBlock{Type: "text", Text: ""})
			}
			msgs = appendMerged(msgs, Message{Role: "assistant", Content: blocks})

		case agentspine.RoleTool:
			msgs = appendMerged(msgs, Message{Role: "user", Content: []ContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
				IsError:   strings.HasPrefix(m.Content, agentspine.ToolErrorPrefix),
			}}})

		default:
			msgs = appendMerged(msgs, Message{Role: "user", Content: []ContentBlock{{
				Type: "text",
				Text: m.Content,
			}}})
		}
	}

	body := MessagesRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
	}
	if req.SessionID != "" {
		body.Metadata = &Metadata{UserID: req.SessionID}
	}
	if budget := ThinkingBudget(req.ThinkingLevel); budget > 0 {
		body.Thinking = &Thinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens must exceed the thinking budget.
		body.MaxTokens = budget + defaultMaxTokens
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		body.Tools = append(body.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return body
}

// appendMerged appends msg, folding it into the previous entry when both
// share a role.
func appendMerged(msgs []Message, msg Message) []Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == msg.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, msg.Content...)
		return msgs
	}
	return append(msgs, msg)
}

// ThinkingBudget maps the runtime thinking vocabulary onto extended
// thinking token budgets. "off" (and unknown values) disable thinking.
func ThinkingBudget(level string) int {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 2048
	case "medium":
		return 4096
	case "high":
		return 8192
	case "xhigh":
		return 12000
	default:
		return 0
	}
}

// ParseResponse converts a Messages API response into an agentspine
// CompletionResponse, concatenating text blocks and collecting tool_use
// blocks as tool calls.
func ParseResponse(resp MessagesResponse) agentspine.CompletionResponse {
	var out agentspine.CompletionResponse
	out.Message.Role = agentspine.RoleAssistant

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, agentspine.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: input,
			})
		}
	}
	out.Message.Content = text.String()
	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}
	return out
}

func parseUsage(u *Usage) agentspine.Usage {
	return agentspine.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

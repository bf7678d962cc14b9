package openaicompat

import (
	"encoding/json"

	"github.com/bmcool/agentspine"
)

// BuildBody converts agentspine messages and tools into an OpenAI-format
// ChatRequest. System messages stay in the messages array as role
// "system"; runtime-only fields (Source, CreatedAt) are dropped at the
// wire boundary.
func BuildBody(req agentspine.CompletionRequest, model string) ChatRequest {
	var msgs []Message
	for _, m := range req.Messages {
		switch {
		case m.Role == agentspine.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == agentspine.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	body := ChatRequest{
		Model:           model,
		Messages:        msgs,
		User:            req.SessionID,
		ReasoningEffort: MapThinkingLevel(req.ThinkingLevel),
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	return body
}

// MapThinkingLevel maps the runtime thinking vocabulary onto the
// reasoning_effort values the API accepts. "off" (and unknown values)
// produce no reasoning_effort field at all.
func MapThinkingLevel(level string) string {
	switch level {
	case "minimal", "low":
		return "low"
	case "medium":
		return "medium"
	case "high", "xhigh":
		return "high"
	default:
		return ""
	}
}

// BuildToolDefs converts agentspine tool definitions to the OpenAI tool
// format.
func BuildToolDefs(tools []agentspine.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

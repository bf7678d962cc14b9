package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/bmcool/agentspine"
)

// ParseResponse converts an OpenAI-format ChatResponse into an agentspine
// CompletionResponse, taking content, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (agentspine.CompletionResponse, error) {
	var out agentspine.CompletionResponse
	out.Message.Role = agentspine.RoleAssistant

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Message.Content = msg.Content
		out.Message.ToolCalls = ParseToolCalls(msg.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}
	return out, nil
}

func parseUsage(u *Usage) agentspine.Usage {
	out := agentspine.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

// ParseToolCalls converts OpenAI tool call requests to agentspine
// ToolCalls. The API returns function.arguments as a JSON string;
// invalid JSON falls back to "{}" and a missing ID gets a positional
// placeholder so tool results can still be paired.
func ParseToolCalls(tcs []ToolCallRequest) []agentspine.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]agentspine.ToolCall, 0, len(tcs))
	for i, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("tool_call_%d", i)
		}
		out = append(out, agentspine.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

package anthropic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bmcool/agentspine"
)

// StreamSSE reads a Messages API SSE stream, invoking onDelta for each
// text chunk, and returns the fully accumulated response.
//
// Relevant events: message_start (input usage), content_block_start
// (opens a text or tool_use block at an index), content_block_delta
// (text_delta / input_json_delta payloads), message_delta (output
// usage), message_stop.
func StreamSSE(body io.Reader, onDelta func(string)) (agentspine.CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var text strings.Builder
	var usage agentspine.Usage

	type partialTool struct {
		id   string
		name string
		args strings.Builder
	}
	// Indexed by content block position; nil entries are text blocks.
	blocks := map[int]*partialTool{}
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				u := parseUsage(ev.Message.Usage)
				usage.InputTokens = u.InputTokens
				usage.CacheReadTokens = u.CacheReadTokens
				usage.CacheWriteTokens = u.CacheWriteTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &partialTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
				if len(ev.ContentBlock.Input) > 0 && string(ev.ContentBlock.Input) != "{}" {
					blocks[ev.Index].args.Write(ev.ContentBlock.Input)
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					text.WriteString(ev.Delta.Text)
					if onDelta != nil {
						onDelta(ev.Delta.Text)
					}
				}
			case "input_json_delta":
				if pt := blocks[ev.Index]; pt != nil {
					pt.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			// Fall through to scanner exhaustion.
		}
	}
	if err := scanner.Err(); err != nil {
		return agentspine.CompletionResponse{}, err
	}

	var calls []agentspine.ToolCall
	for i, idx := range order {
		pt := blocks[idx]
		args := json.RawMessage(pt.args.String())
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := pt.id
		if id == "" {
			id = fmt.Sprintf("tool_call_%d", i)
		}
		calls = append(calls, agentspine.ToolCall{ID: id, Name: pt.name, Args: args})
	}

	return agentspine.CompletionResponse{
		Message: agentspine.ChatMessage{
			Role:      agentspine.RoleAssistant,
			Content:   text.String(),
			ToolCalls: calls,
		},
		Usage: usage,
	}, nil
}

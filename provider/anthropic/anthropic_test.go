package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bmcool/agentspine"
)

func TestBuildBodySystemExtraction(t *testing.T) {
	req := agentspine.CompletionRequest{
		Messages: []agentspine.ChatMessage{
			agentspine.SystemMessage("first rule"),
			agentspine.SystemMessage("second rule"),
			agentspine.UserMessage("hi"),
		},
		SessionID: "sess-1",
	}
	body := BuildBody(req, "claude-3-5-sonnet-20241022")

	if body.System != "first rule\n\nsecond rule" {
		t.Fatalf("system = %q", body.System)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", body.Messages)
	}
	if body.Metadata == nil || body.Metadata.UserID != "sess-1" {
		t.Fatalf("metadata = %+v", body.Metadata)
	}
	if body.MaxTokens != defaultMaxTokens {
		t.Fatalf("max_tokens = %d", body.MaxTokens)
	}
}

func TestBuildBodyToolRoundTrip(t *testing.T) {
	assistant := agentspine.AssistantMessage("checking")
	assistant.ToolCalls = []agentspine.ToolCall{{ID: "tu_1", Name: "read_file", Args: []byte(`{"path":"x"}`)}}

	req := agentspine.CompletionRequest{
		Messages: []agentspine.ChatMessage{
			agentspine.UserMessage("read x"),
			assistant,
			agentspine.ToolResultMessage("tu_1", "read_file", "file body"),
			agentspine.ToolResultMessage("tu_1b", "read_file", agentspine.ToolErrorPrefix+" read_file failed"),
		},
		Tools: []agentspine.ToolDefinition{
			{Name: "read_file", Description: "Read a file.", Parameters: []byte(`{"type":"object"}`)},
		},
	}
	body := BuildBody(req, "m")

	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (tool results merged into one user turn)", len(body.Messages))
	}
	asst := body.Messages[1]
	if asst.Role != "assistant" || len(asst.Content) != 2 {
		t.Fatalf("assistant turn = %+v", asst)
	}
	if asst.Content[1].Type != "tool_use" || asst.Content[1].ID != "tu_1" {
		t.Fatalf("tool_use block = %+v", asst.Content[1])
	}

	results := body.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("result turn = %+v", results)
	}
	if results.Content[0].Type != "tool_result" || results.Content[0].ToolUseID != "tu_1" {
		t.Fatalf("first result = %+v", results.Content[0])
	}
	if results.Content[0].IsError {
		t.Fatal("successful result flagged as error")
	}
	if !results.Content[1].IsError {
		t.Fatal("error-prefixed result not flagged")
	}

	if len(body.Tools) != 1 || body.Tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v", body.Tools)
	}
}

func TestBuildBodyMergesAdjacentUserTurns(t *testing.T) {
	req := agentspine.CompletionRequest{
		Messages: []agentspine.ChatMessage{
			agentspine.UserMessage("part one"),
			agentspine.UserMessage("part two"),
		},
	}
	body := BuildBody(req, "m")
	if len(body.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 merged user turn", len(body.Messages))
	}
	if len(body.Messages[0].Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(body.Messages[0].Content))
	}
}

func TestThinkingBudget(t *testing.T) {
	cases := map[string]int{
		"off": 0, "": 0, "bogus": 0,
		"minimal": 1024, "low": 2048, "medium": 4096, "high": 8192, "xhigh": 12000,
	}
	for in, want := range cases {
		if got := ThinkingBudget(in); got != want {
			t.Errorf("ThinkingBudget(%q) = %d, want %d", in, got, want)
		}
	}

	body := BuildBody(agentspine.CompletionRequest{ThinkingLevel: "medium"}, "m")
	if body.Thinking == nil || body.Thinking.BudgetTokens != 4096 {
		t.Fatalf("thinking = %+v", body.Thinking)
	}
	if body.MaxTokens != 4096+defaultMaxTokens {
		t.Fatalf("max_tokens = %d, must exceed the thinking budget", body.MaxTokens)
	}
}

func TestParseResponse(t *testing.T) {
	resp := MessagesResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "I'll check. "},
			{Type: "tool_use", ID: "tu_1", Name: "work", Input: []byte(`{"n":1}`)},
			{Type: "text", Text: "Done."},
		},
		Usage: &Usage{InputTokens: 12, OutputTokens: 8, CacheReadInputTokens: 4},
	}
	out := ParseResponse(resp)

	if out.Message.Content != "I'll check. Done." {
		t.Fatalf("content = %q", out.Message.Content)
	}
	if len(out.Message.ToolCalls) != 1 || out.Message.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("tool calls = %+v", out.Message.ToolCalls)
	}
	if out.Usage.InputTokens != 12 || out.Usage.CacheReadTokens != 4 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	empty := ParseResponse(MessagesResponse{Content: []ContentBlock{
		{Type: "tool_use", ID: "tu_2", Name: "f", Input: []byte(`{bad`)},
	}})
	if string(empty.Message.ToolCalls[0].Args) != "{}" {
		t.Fatalf("invalid input fallback = %q", empty.Message.ToolCalls[0].Args)
	}
}

func TestStreamSSE(t *testing.T) {
	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":9,"cache_read_input_tokens":2}}}`,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"work"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"n\":"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"2}"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	var deltas []string
	out, err := StreamSSE(strings.NewReader(stream), func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatal(err)
	}
	if out.Message.Content != "Hello" {
		t.Fatalf("content = %q", out.Message.Content)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %v", deltas)
	}
	if len(out.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", out.Message.ToolCalls)
	}
	tc := out.Message.ToolCalls[0]
	if tc.ID != "tu_1" || tc.Name != "work" || string(tc.Args) != `{"n":2}` {
		t.Fatalf("tool call = %+v", tc)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 5 || out.Usage.CacheReadTokens != 2 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestProviderComplete(t *testing.T) {
	var gotKey, gotVersion string
	var gotBody MessagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(MessagesResponse{
			Content: []ContentBlock{{Type: "text", Text: "pong"}},
			Usage:   &Usage{InputTokens: 1, OutputTokens: 1},
		})
	}))
	defer srv.Close()

	p := NewProvider("sk-ant-test", "claude-3-5-sonnet-20241022", WithBaseURL(srv.URL))
	out, err := p.Complete(context.Background(), agentspine.CompletionRequest{
		Messages: []agentspine.ChatMessage{agentspine.UserMessage("ping")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Message.Content != "pong" {
		t.Fatalf("content = %q", out.Message.Content)
	}
	if gotKey != "sk-ant-test" || gotVersion != apiVersion {
		t.Fatalf("headers = %q / %q", gotKey, gotVersion)
	}
	if gotBody.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("model = %q", gotBody.Model)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("Name = %q", p.Name())
	}
}

func TestProviderThinkingFallback(t *testing.T) {
	var bodies []MessagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MessagesRequest
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if body.Thinking != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"thinking is not supported on this model"}}`))
			return
		}
		json.NewEncoder(w).Encode(MessagesResponse{Content: []ContentBlock{{Type: "text", Text: "ok"}}})
	}))
	defer srv.Close()

	p := NewProvider("k", "claude-3-haiku", WithBaseURL(srv.URL))
	out, err := p.Complete(context.Background(), agentspine.CompletionRequest{ThinkingLevel: "high"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Message.Content != "ok" {
		t.Fatalf("content = %q", out.Message.Content)
	}
	if len(bodies) != 2 || bodies[0].Thinking == nil || bodies[1].Thinking != nil {
		t.Fatalf("bodies = %d, thinking retry not observed", len(bodies))
	}
	if bodies[1].MaxTokens != defaultMaxTokens {
		t.Fatalf("retry max_tokens = %d", bodies[1].MaxTokens)
	}
}

func TestProviderStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MessagesRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Error("streaming request missing stream flag")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"streamed\"}}\n"))
		w.Write([]byte("data: {\"type\":\"message_stop\"}\n"))
	}))
	defer srv.Close()

	p := NewProvider("k", "m", WithBaseURL(srv.URL))
	var got string
	out, err := p.Complete(context.Background(), agentspine.CompletionRequest{
		OnTextDelta: func(d string) { got += d },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "streamed" || out.Message.Content != "streamed" {
		t.Fatalf("streamed = %q, content = %q", got, out.Message.Content)
	}
}

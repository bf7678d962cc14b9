package agentspine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// memStore is an in-memory SessionStore for tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (s *memStore) LoadOrCreate(_ context.Context, init SessionMeta) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[init.SessionID]
	if !ok {
		sess = &Session{Meta: init}
		s.sessions[init.SessionID] = sess
	} else {
		sess.Meta.Provider = init.Provider
		sess.Meta.Model = init.Model
		sess.Meta.WorkspaceDir = init.WorkspaceDir
	}
	return s.copyLocked(sess), nil
}

func (s *memStore) Append(_ context.Context, sessionID string, msgs ...ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Messages = append(sess.Messages, msgs...)
	return nil
}

func (s *memStore) UpdateHeader(_ context.Context, sessionID string, patch func(*SessionMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	patch(&sess.Meta)
	return nil
}

func (s *memStore) ReplacePrefix(_ context.Context, sessionID string, upTo int, summary ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if upTo < 0 || upTo > len(sess.Messages) {
		return fmt.Errorf("replace prefix out of range: %d of %d", upTo, len(sess.Messages))
	}
	rest := sess.Messages[upTo:]
	sess.Messages = append([]ChatMessage{summary}, rest...)
	return nil
}

func (s *memStore) Snapshot(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	return s.copyLocked(sess), nil
}

func (s *memStore) copyLocked(sess *Session) Session {
	out := Session{Meta: sess.Meta}
	out.Messages = append([]ChatMessage(nil), sess.Messages...)
	return out
}

var _ SessionStore = (*memStore)(nil)

// scriptProvider replays a fixed sequence of responses. When the script
// runs out it repeats the last entry.
type scriptProvider struct {
	mu        sync.Mutex
	responses []CompletionResponse
	calls     int
	// onCall, when set, observes each request before the scripted reply is
	// returned. Used to trigger steering/cancellation mid-run.
	onCall func(call int, req CompletionRequest)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	var resp CompletionResponse
	if len(p.responses) > 0 {
		idx := call
		if idx >= len(p.responses) {
			idx = len(p.responses) - 1
		}
		resp = p.responses[idx]
	}
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(call, req)
	}
	if req.OnTextDelta != nil && resp.Message.Content != "" {
		req.OnTextDelta(resp.Message.Content)
	}
	return resp, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ Provider = (*scriptProvider)(nil)

func textResponse(text string) CompletionResponse {
	return CompletionResponse{Message: ChatMessage{Role: RoleAssistant, Content: text}}
}

func toolCallResponse(text string, calls ...ToolCall) CompletionResponse {
	return CompletionResponse{Message: ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: calls}}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// funcTool adapts a function into a single-definition Tool.
type funcTool struct {
	name string
	desc string
	fn   func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (t *funcTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        t.name,
		Description: t.desc,
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
}

func (t *funcTool) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	return t.fn(ctx, args)
}

// eventRecorder collects lifecycle events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink() EventSink {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) byType(t EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) statuses() []TurnStatus {
	var out []TurnStatus
	for _, ev := range r.byType(EventTurnEnd) {
		out = append(out, ev.Status)
	}
	return out
}

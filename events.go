package agentspine

import "encoding/json"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// EventAgentStart opens a run.
	EventAgentStart EventType = "agent_start"
	// EventAgentEnd closes a run and carries the final text.
	EventAgentEnd EventType = "agent_end"
	// EventTurnStart opens one round of the reactive loop.
	EventTurnStart EventType = "turn_start"
	// EventTurnEnd closes a round with a TurnStatus.
	EventTurnEnd EventType = "turn_end"
	// EventMessageStart signals a message is being produced or injected.
	EventMessageStart EventType = "message_start"
	// EventMessageUpdate carries an incremental assistant text delta
	// (streaming only).
	EventMessageUpdate EventType = "message_update"
	// EventMessageEnd closes a message with a text preview.
	EventMessageEnd EventType = "message_end"
	// EventToolExecutionStart opens a tool call span.
	EventToolExecutionStart EventType = "tool_execution_start"
	// EventToolExecutionUpdate carries tool progress text.
	EventToolExecutionUpdate EventType = "tool_execution_update"
	// EventToolExecutionEnd closes a tool call span with a result preview.
	EventToolExecutionEnd EventType = "tool_execution_end"
	// EventLaneWait reports a slow lane acquisition.
	EventLaneWait EventType = "lane_wait"
	// EventToolConflict reports an extra tool shadowing a built-in name.
	EventToolConflict EventType = "tool_conflict"
)

// TurnStatus is the outcome of one round, carried on turn_end.
type TurnStatus string

const (
	StatusCompleted          TurnStatus = "completed"
	StatusSteered            TurnStatus = "steered"
	StatusFollowUpInjected   TurnStatus = "follow_up_injected"
	StatusToolCallsProcessed TurnStatus = "tool_calls_processed"
	StatusLoopDetected       TurnStatus = "loop_detected"
	StatusCancelled          TurnStatus = "cancelled"
	StatusFailed             TurnStatus = "failed"
)

// Event is a lifecycle record emitted by the reactive loop. Fields are
// populated per Type; consumers must tolerate unknown fields for forward
// compatibility. Events for one run are emitted from a single worker, so a
// non-thread-safe sink still observes them in order.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Round     int        `json:"round,omitempty"`
	Role      string     `json:"role,omitempty"`
	Source    string     `json:"source,omitempty"`
	Status    TurnStatus `json:"status,omitempty"`

	// Message fields.
	Delta       string `json:"delta,omitempty"`
	TextPreview string `json:"text_preview,omitempty"`
	FinalText   string `json:"final_text,omitempty"`

	// Tool span fields.
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Partial       string          `json:"partial,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	Details       any             `json:"details,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`

	// Turn summary fields.
	ToolCallsCount          int      `json:"tool_calls_count"`
	AssistantMessagePreview string   `json:"assistant_message_preview,omitempty"`
	ToolResultsPreview      []string `json:"tool_results_preview,omitempty"`

	// Diagnostics (lane_wait, tool_conflict).
	Message string `json:"message,omitempty"`
}

// EventSink receives lifecycle events. Sinks must be non-blocking; the loop
// calls them inline. Panics are caught and discarded so a broken sink cannot
// affect the run.
type EventSink func(Event)

// emit invokes sink with ev, swallowing panics. A nil sink is a no-op.
func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	defer func() { _ = recover() }()
	sink(ev)
}

// previewLen is the truncation length for text previews on events.
const previewLen = 200

// truncate shortens s to at most n bytes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

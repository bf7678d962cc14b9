package agentspine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Orchestrator wires subagent spawning into the tool surface. It owns the
// registry and runtime, builds child agents that share the parent's lane
// queue (so the global concurrency cap covers subagents too), and exposes
// the sessions_spawn and subagents tools via Tools().
type Orchestrator struct {
	provider Provider
	store    SessionStore
	registry *SubagentRegistry
	runtime  *SubagentRuntime

	model        string
	workspaceDir string
	thinking     string
	maxDepth     int
	lanes        *LaneQueue
	events       EventSink
	logger       *slog.Logger
	contextCfg   ContextConfig
	// childTools supplies the tool set for spawned children. Called once
	// per spawn so children can get fresh stateful tools.
	childTools func() []Tool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// MaxSpawnDepth bounds how deep subagents can nest (default 2). A depth-d
// session may spawn only while d < max.
func MaxSpawnDepth(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// ChildTools supplies the tool factory for spawned children.
func ChildTools(fn func() []Tool) OrchestratorOption {
	return func(o *Orchestrator) { o.childTools = fn }
}

// ChildModel sets the model children run with.
func ChildModel(model string) OrchestratorOption {
	return func(o *Orchestrator) { o.model = model }
}

// ChildWorkspaceDir sets the workspace root for children.
func ChildWorkspaceDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) { o.workspaceDir = dir }
}

// ChildThinkingLevel sets the thinking level for children.
func ChildThinkingLevel(level string) OrchestratorOption {
	return func(o *Orchestrator) { o.thinking = level }
}

// ChildContextConfig sets the context budget for children.
func ChildContextConfig(cfg ContextConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.contextCfg = cfg }
}

// OrchestratorEventSink forwards child lifecycle events to sink.
func OrchestratorEventSink(sink EventSink) OrchestratorOption {
	return func(o *Orchestrator) { o.events = sink }
}

// OrchestratorLogger sets the structured logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// OrchestratorLaneQueue shares a lane queue with the parent agents.
func OrchestratorLaneQueue(q *LaneQueue) OrchestratorOption {
	return func(o *Orchestrator) { o.lanes = q }
}

// NewOrchestrator creates an orchestrator over the given provider, store,
// registry, and runtime.
func NewOrchestrator(provider Provider, store SessionStore, registry *SubagentRegistry, runtime *SubagentRuntime, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:     provider,
		store:        store,
		registry:     registry,
		runtime:      runtime,
		workspaceDir: ".",
		maxDepth:     2,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.lanes == nil {
		o.lanes = NewLaneQueue(4)
	}
	return o
}

// Tools returns the orchestration tool set for registration on an agent.
func (o *Orchestrator) Tools() []Tool {
	return []Tool{&orchestrationTool{orc: o}}
}

// orchestrationTool exposes sessions_spawn and subagents.
type orchestrationTool struct {
	orc *Orchestrator
}

var _ Tool = (*orchestrationTool)(nil)

func (t *orchestrationTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "sessions_spawn",
			Description: "Spawn a subagent session to work on a task. Runs in the background by default; set wait_for_first_reply to block for the reply.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task": {"type": "string", "description": "Task for the subagent."},
					"wait_for_first_reply": {"type": "boolean", "description": "Block until the subagent replies and return the reply."}
				},
				"required": ["task"]
			}`),
		},
		{
			Name:        "subagents",
			Description: "Manage spawned subagents: action is one of list, get_result, events, steer, kill. steer requires run_id and message; get_result, events, kill require run_id.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"action": {"type": "string", "enum": ["list", "get_result", "events", "steer", "kill"]},
					"run_id": {"type": "string"},
					"message": {"type": "string"}
				},
				"required": ["action"]
			}`),
		},
	}
}

func (t *orchestrationTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	switch name {
	case "sessions_spawn":
		return t.orc.spawn(ctx, args)
	case "subagents":
		return t.orc.manage(ctx, args)
	default:
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func orchestrationJSON(payload any) ToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("encode result: %v", err)}
	}
	return ToolResult{Content: string(data)}
}

func orchestrationError(format string, args ...any) ToolResult {
	return orchestrationJSON(map[string]string{
		"status": "error",
		"error":  fmt.Sprintf(format, args...),
	})
}

func (o *Orchestrator) spawn(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Task              string `json:"task"`
		WaitForFirstReply bool   `json:"wait_for_first_reply"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orchestrationError("invalid arguments: %v", err), nil
	}
	if params.Task == "" {
		return orchestrationError("task is required"), nil
	}

	info := ExecInfoFrom(ctx)
	if info.SessionID == "" {
		return orchestrationError("no calling session"), nil
	}

	parentDepth, err := o.sessionDepth(ctx, info.SessionID)
	if err != nil {
		return orchestrationError("resolve parent session: %v", err), nil
	}
	depth := parentDepth + 1
	if depth > o.maxDepth {
		return orchestrationError("subagent depth limit reached (%d/%d); refusing to spawn deeper", parentDepth, o.maxDepth), nil
	}

	rec, err := o.registry.Spawn(info.SessionID, params.Task, depth)
	if err != nil {
		return orchestrationError("register run: %v", err), nil
	}

	child, err := o.newChildAgent(rec)
	if err != nil {
		if rerr := o.registry.SetFailed(rec.RunID, err.Error()); rerr != nil {
			o.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
		}
		return orchestrationError("create child agent: %v", err), nil
	}

	o.notifySession(info.SessionID, fmt.Sprintf(
		"Spawned subagent run=%s child_session=%s depth=%d", rec.RunID, rec.ChildSessionID, rec.Depth))

	if params.WaitForFirstReply {
		if err := o.registry.SetRunning(rec.RunID); err != nil {
			o.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", err)
		}
		reply, err := child.Chat(ctx, params.Task)
		if err != nil {
			if rerr := o.registry.SetFailed(rec.RunID, err.Error()); rerr != nil {
				o.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
			}
			return orchestrationError("subagent run failed: %v", err), nil
		}
		if rerr := o.registry.SetCompleted(rec.RunID, reply); rerr != nil {
			o.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
		}
		return orchestrationJSON(map[string]any{
			"status":           "ok",
			"run_id":           rec.RunID,
			"child_session_id": rec.ChildSessionID,
			"depth":            rec.Depth,
			"dispatched":       "first_reply",
			"reply":            truncate(reply, 2400),
		}), nil
	}

	o.runtime.Submit(child, rec, o.parentLink(info.SessionID))
	return orchestrationJSON(map[string]any{
		"status":           "ok",
		"run_id":           rec.RunID,
		"child_session_id": rec.ChildSessionID,
		"depth":            rec.Depth,
		"dispatched":       "background",
	}), nil
}

func (o *Orchestrator) manage(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Action  string `json:"action"`
		RunID   string `json:"run_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orchestrationError("invalid arguments: %v", err), nil
	}

	info := ExecInfoFrom(ctx)
	if info.SessionID == "" {
		return orchestrationError("no calling session"), nil
	}

	switch params.Action {
	case "list":
		return o.list(info.SessionID)
	case "get_result":
		rec, res := o.owned(info.SessionID, params.RunID)
		if rec == nil {
			return res, nil
		}
		return orchestrationJSON(map[string]any{
			"status":     "ok",
			"run_id":     rec.RunID,
			"run_status": rec.Status,
			"last_reply": rec.LastReply,
			"last_error": rec.LastError,
		}), nil
	case "events":
		rec, res := o.owned(info.SessionID, params.RunID)
		if rec == nil {
			return res, nil
		}
		return orchestrationJSON(map[string]any{
			"status": "ok",
			"run_id": rec.RunID,
			"events": rec.Events,
		}), nil
	case "steer":
		return o.steer(ctx, info.SessionID, params.RunID, params.Message)
	case "kill":
		return o.kill(info.SessionID, params.RunID)
	default:
		return orchestrationError("unknown action: %s", params.Action), nil
	}
}

func (o *Orchestrator) list(sessionID string) (ToolResult, error) {
	records, err := o.registry.List(sessionID)
	if err != nil {
		return orchestrationError("list runs: %v", err), nil
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, map[string]any{
			"run_id":         rec.RunID,
			"status":         rec.Status,
			"task":           truncate(rec.Task, 120),
			"last_reply":     truncate(rec.LastReply, 180),
			"last_error":     truncate(rec.LastError, 180),
			"is_running_now": o.runtime.IsRunning(rec.RunID),
			"created_at":     rec.CreatedAt,
			"updated_at":     rec.UpdatedAt,
		})
	}
	return orchestrationJSON(map[string]any{"status": "ok", "runs": rows}), nil
}

// steer delivers a message to a run. A live run gets it on its steering
// queue; an idle run gets a synchronous chat on the child session and the
// reply comes back inline.
func (o *Orchestrator) steer(ctx context.Context, sessionID, runID, message string) (ToolResult, error) {
	if message == "" {
		return orchestrationError("message is required for steer"), nil
	}
	rec, res := o.owned(sessionID, runID)
	if rec == nil {
		return res, nil
	}
	if o.runtime.Steer(runID, message) {
		return orchestrationJSON(map[string]any{
			"status":    "ok",
			"run_id":    runID,
			"delivered": "steer_queue",
		}), nil
	}

	child, err := o.newChildAgent(*rec)
	if err != nil {
		return orchestrationError("create child agent: %v", err), nil
	}
	reply, err := child.Chat(ctx, message)
	if err != nil {
		return orchestrationError("steer chat failed: %v", err), nil
	}
	if rerr := o.registry.UpdateReply(runID, reply); rerr != nil {
		o.logger.Warn("subagent registry update failed", "run", runID, "error", rerr)
	}
	return orchestrationJSON(map[string]any{
		"status":    "ok",
		"run_id":    runID,
		"delivered": "chat",
		"reply":     truncate(reply, 2400),
	}), nil
}

// kill is idempotent: killing a finished run reports its unchanged
// terminal status.
func (o *Orchestrator) kill(sessionID, runID string) (ToolResult, error) {
	rec, res := o.owned(sessionID, runID)
	if rec == nil {
		return res, nil
	}
	cancelled := o.runtime.Cancel(runID)
	if !cancelled && !isTerminalSubagentStatus(rec.Status) {
		if err := o.registry.SetCancelled(runID); err != nil {
			return orchestrationError("cancel run: %v", err), nil
		}
	}
	after, ok, err := o.registry.Get(runID)
	if err != nil || !ok {
		return orchestrationError("reload run %s", runID), nil
	}
	return orchestrationJSON(map[string]any{
		"status":     "ok",
		"run_id":     runID,
		"new_status": after.Status,
	}), nil
}

// owned loads runID and enforces that it belongs to sessionID. On failure
// the returned ToolResult carries the error payload.
func (o *Orchestrator) owned(sessionID, runID string) (*SubagentRecord, ToolResult) {
	if runID == "" {
		return nil, orchestrationError("run_id is required")
	}
	rec, ok, err := o.registry.Get(runID)
	if err != nil {
		return nil, orchestrationError("load run: %v", err)
	}
	if !ok {
		return nil, orchestrationError("unknown run: %s", runID)
	}
	if rec.ParentSessionID != sessionID {
		return nil, orchestrationError("run does not belong to this session")
	}
	return &rec, ToolResult{}
}

func (o *Orchestrator) sessionDepth(ctx context.Context, sessionID string) (int, error) {
	snap, err := o.store.Snapshot(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return snap.Meta.SubagentDepth, nil
}

// newChildAgent builds the agent for one run. Children share the lane
// queue and get orchestration tools themselves only while below the depth
// limit.
func (o *Orchestrator) newChildAgent(rec SubagentRecord) (*Agent, error) {
	opts := []AgentOption{
		WithSessionID(rec.ChildSessionID),
		WithModel(o.model),
		WithWorkspaceDir(o.workspaceDir),
		WithThinkingLevel(o.thinking),
		WithParentSession(rec.ParentSessionID, rec.Depth),
		WithLaneQueue(o.lanes),
		WithContextConfig(o.contextCfg),
		WithAgentLogger(o.logger),
	}
	if o.events != nil {
		opts = append(opts, WithEventSink(o.events))
	}
	if o.childTools != nil {
		opts = append(opts, WithTools(o.childTools()...))
	}
	if rec.Depth < o.maxDepth {
		opts = append(opts, WithTools(o.Tools()...))
	}
	return NewAgent(o.provider, o.store, opts...)
}

// parentLink adapts registry notifications onto the parent session.
func (o *Orchestrator) parentLink(sessionID string) ParentLink {
	return ParentLink{
		SystemEvent: func(ctx context.Context, text string) error {
			return o.appendToSession(ctx, sessionID, AssistantMessage("[System Message] "+text))
		},
		AssistantNote: func(ctx context.Context, text string) error {
			return o.appendToSession(ctx, sessionID, AssistantMessage(text))
		},
	}
}

func (o *Orchestrator) notifySession(sessionID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.appendToSession(ctx, sessionID, AssistantMessage("[System Message] "+text)); err != nil {
		o.logger.Warn("session notification failed", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) appendToSession(ctx context.Context, sessionID string, msg ChatMessage) error {
	now := NowUnix()
	if _, err := o.store.LoadOrCreate(ctx, SessionMeta{
		SessionID: sessionID,
		Provider:  o.provider.Name(),
		Model:     o.model,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}
	return o.store.Append(ctx, sessionID, msg)
}

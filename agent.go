package agentspine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Agent is a reactive loop bound to one session. All runs on the same
// session are serialized through the lane queue, so an Agent is safe to
// drive from multiple goroutines: Chat blocks until the lane slot is free.
// Steer, FollowUp, and Cancel may be called concurrently with a run; that
// is their purpose.
type Agent struct {
	provider Provider
	store    SessionStore

	sessionID    string
	model        string
	workspaceDir string
	thinking     string

	registry *ToolRegistry
	steering *SteeringController
	lanes    *LaneQueue
	ctxmgr   *ContextManager
	prompt   *PromptBuilder

	events       EventSink
	logger       *slog.Logger
	tracer       Tracer
	hooks        Hooks
	laneWarnWait time.Duration
	maxRounds    int

	parentSessionID string
	subagentDepth   int
}

// TurnSetup is returned by the BeforeTurn hook to adjust one round before
// the provider call.
type TurnSetup struct {
	// SystemPromptOverride replaces the built system prompt when non-empty.
	SystemPromptOverride string
	// PrependMessages is inserted before the shaped history. Messages here
	// are visible to the provider only; they are not persisted.
	PrependMessages []ChatMessage
}

// Hooks are optional extension points called by the loop. All are nil-safe.
type Hooks struct {
	// TransformContext rewrites the history snapshot before shaping.
	// Changes affect the provider view only, never the journal.
	TransformContext func(ctx context.Context, history []ChatMessage) []ChatMessage
	// BeforeTurn runs after shaping, before the provider call.
	BeforeTurn func(ctx context.Context, round int, messages []ChatMessage) TurnSetup
	// ConvertToLLM is the final transform applied to the outgoing message
	// list, e.g. to strip runtime-only fields a provider rejects.
	ConvertToLLM func(messages []ChatMessage) []ChatMessage
	// GetAPIKey resolves a per-call credential. Empty means use the
	// provider's construction-time key.
	GetAPIKey func(provider, model string) string
}

// agentOptions holds construction-time configuration for an Agent.
type agentOptions struct {
	sessionID       string
	model           string
	workspaceDir    string
	thinking        string
	role            string
	tools           []Tool
	events          EventSink
	logger          *slog.Logger
	tracer          Tracer
	contextCfg      ContextConfig
	lanes           *LaneQueue
	maxConcurrent   int
	laneWarnWait    time.Duration
	maxRounds       int
	hooks           Hooks
	parentSessionID string
	subagentDepth   int
}

// AgentOption configures an Agent.
type AgentOption func(*agentOptions)

// WithSessionID binds the agent to an existing session ID. Omitted, a fresh
// short ID is generated.
func WithSessionID(id string) AgentOption {
	return func(o *agentOptions) { o.sessionID = id }
}

// WithModel sets the model passed to the provider on every call.
func WithModel(model string) AgentOption {
	return func(o *agentOptions) { o.model = model }
}

// WithWorkspaceDir sets the workspace root surfaced to tools and the
// system prompt. Defaults to ".".
func WithWorkspaceDir(dir string) AgentOption {
	return func(o *agentOptions) { o.workspaceDir = dir }
}

// WithThinkingLevel requests extended reasoning from providers that
// support it: "off", "minimal", "low", "medium", "high", "xhigh".
func WithThinkingLevel(level string) AgentOption {
	return func(o *agentOptions) { o.thinking = level }
}

// WithRole replaces the default identity block of the system prompt.
func WithRole(role string) AgentOption {
	return func(o *agentOptions) { o.role = role }
}

// WithTools registers tools. Later registrations shadow earlier ones by
// name, so caller-supplied tools win over previously added built-ins; each
// shadowing surfaces as a tool_conflict event.
func WithTools(tools ...Tool) AgentOption {
	return func(o *agentOptions) { o.tools = append(o.tools, tools...) }
}

// WithEventSink sets the lifecycle event sink. Events for one run arrive
// in order from the run's own goroutine.
func WithEventSink(sink EventSink) AgentOption {
	return func(o *agentOptions) { o.events = sink }
}

// WithAgentLogger sets the structured logger. If not set, a no-op logger
// is used (no output).
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(o *agentOptions) { o.logger = l }
}

// WithAgentTracer sets the tracer. When set, the agent emits spans for
// runs, rounds, and tool dispatches. Use observer.NewTracer() for an
// OTEL-backed implementation.
func WithAgentTracer(t Tracer) AgentOption {
	return func(o *agentOptions) { o.tracer = t }
}

// WithContextConfig sets the context budget. Zero fields fall back to
// defaults.
func WithContextConfig(cfg ContextConfig) AgentOption {
	return func(o *agentOptions) { o.contextCfg = cfg }
}

// WithLaneQueue shares a lane queue between agents so their sessions
// compete for the same global concurrency cap. Agents on the same queue
// with the same session ID serialize against each other.
func WithLaneQueue(q *LaneQueue) AgentOption {
	return func(o *agentOptions) { o.lanes = q }
}

// WithMaxConcurrent sets the global cap of a private lane queue
// (default 4). Ignored when WithLaneQueue is set.
func WithMaxConcurrent(n int) AgentOption {
	return func(o *agentOptions) { o.maxConcurrent = n }
}

// WithLaneWarnWait sets the queue-wait threshold above which a run records
// a lane_wait event and a system message in the session (default 1200ms).
// Zero disables the warning.
func WithLaneWarnWait(d time.Duration) AgentOption {
	return func(o *agentOptions) { o.laneWarnWait = d }
}

// WithMaxToolRounds caps rounds per run (default 20).
func WithMaxToolRounds(n int) AgentOption {
	return func(o *agentOptions) { o.maxRounds = n }
}

// WithHooks installs the loop extension points.
func WithHooks(h Hooks) AgentOption {
	return func(o *agentOptions) { o.hooks = h }
}

// WithParentSession marks this agent's session as a subagent child:
// parent session ID plus this child's depth. Recorded in the session
// header and used for the spawn depth limit.
func WithParentSession(parentID string, depth int) AgentOption {
	return func(o *agentOptions) {
		o.parentSessionID = parentID
		o.subagentDepth = depth
	}
}

// NewAgent creates an agent bound to one session.
func NewAgent(provider Provider, store SessionStore, opts ...AgentOption) (*Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("agentspine: provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("agentspine: session store is required")
	}

	o := agentOptions{
		workspaceDir:  ".",
		maxConcurrent: 4,
		laneWarnWait:  1200 * time.Millisecond,
		maxRounds:     maxToolRounds,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sessionID == "" {
		o.sessionID = NewSessionID()
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if o.lanes == nil {
		o.lanes = NewLaneQueue(o.maxConcurrent)
	}
	if o.maxRounds < 1 {
		o.maxRounds = maxToolRounds
	}

	a := &Agent{
		provider:        provider,
		store:           store,
		sessionID:       o.sessionID,
		model:           o.model,
		workspaceDir:    o.workspaceDir,
		thinking:        o.thinking,
		registry:        NewToolRegistry(),
		steering:        NewSteeringController(),
		lanes:           o.lanes,
		ctxmgr:          NewContextManager(o.contextCfg),
		prompt:          NewPromptBuilder(maxToolResultChars),
		events:          o.events,
		logger:          o.logger,
		tracer:          o.tracer,
		hooks:           o.hooks,
		laneWarnWait:    o.laneWarnWait,
		maxRounds:       o.maxRounds,
		parentSessionID: o.parentSessionID,
		subagentDepth:   o.subagentDepth,
	}
	a.prompt.Role = o.role
	a.registry.OnConflict = func(name string) {
		a.logger.Warn("tool name shadowed", "tool", name, "session", a.sessionID)
		emit(a.events, Event{
			Type:      EventToolConflict,
			SessionID: a.sessionID,
			ToolName:  name,
			Message:   "tool " + name + " shadowed by a later registration",
		})
	}
	for _, t := range o.tools {
		a.registry.Add(t)
	}
	return a, nil
}

// SessionID returns the session this agent is bound to.
func (a *Agent) SessionID() string { return a.sessionID }

// AddTool registers another tool after construction. Not safe to call
// concurrently with a run.
func (a *Agent) AddTool(t Tool) { a.registry.Add(t) }

// Chat sends a user message and runs the reactive loop to completion,
// returning the final assistant text.
func (a *Agent) Chat(ctx context.Context, text string) (string, error) {
	return a.submit(ctx, text, nil)
}

// ChatStream is Chat with incremental assistant text delivered to onDelta
// as it arrives. message_update events carry the same chunks.
func (a *Agent) ChatStream(ctx context.Context, text string, onDelta func(string)) (string, error) {
	return a.submit(ctx, text, onDelta)
}

// ContinueRun re-enters the loop on the existing journal without adding a
// user message. Valid when the last message is a user or tool message
// (e.g. after a crash between persisting tool results and the next round).
// Rounds restart at 1.
func (a *Agent) ContinueRun(ctx context.Context) (string, error) {
	return a.continueRun(ctx, nil)
}

// ContinueRunStream is ContinueRun with streaming deltas.
func (a *Agent) ContinueRunStream(ctx context.Context, onDelta func(string)) (string, error) {
	return a.continueRun(ctx, onDelta)
}

// Steer enqueues an interrupt. If a run is active, the loop consumes it
// before the next tool dispatch, skips the rest of the batch, and starts a
// new round with the message injected as user input.
func (a *Agent) Steer(text string) { a.steering.Steer(text) }

// FollowUp enqueues a message delivered when the current run would
// otherwise finish, extending it by another round.
func (a *Agent) FollowUp(text string) { a.steering.FollowUp(text) }

// Cancel stops the active run at the next safe point. The next submitted
// run clears the flag.
func (a *Agent) Cancel() { a.steering.Cancel() }

// ClearSteeringQueue drops pending steering messages.
func (a *Agent) ClearSteeringQueue() { a.steering.ClearSteering() }

// ClearFollowUpQueue drops pending follow-up messages.
func (a *Agent) ClearFollowUpQueue() { a.steering.ClearFollowUps() }

// ClearAllQueues drops both queues.
func (a *Agent) ClearAllQueues() { a.steering.ClearAll() }

// Snapshot returns the current session header and messages.
func (a *Agent) Snapshot(ctx context.Context) (Session, error) {
	if _, err := a.store.LoadOrCreate(ctx, a.initMeta()); err != nil {
		return Session{}, err
	}
	return a.store.Snapshot(ctx, a.sessionID)
}

// Reset clears the conversation by replacing the whole journal with a
// fresh reset marker. Queues and the cancel flag are cleared too.
func (a *Agent) Reset(ctx context.Context) error {
	a.steering.ClearAll()
	a.steering.ResetCancel()
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Messages) == 0 {
		return nil
	}
	marker := SystemMessage("Conversation reset.")
	return a.store.ReplacePrefix(ctx, a.sessionID, len(snap.Messages), marker)
}

// AddSystemEvent appends an operator-visible note to the session as an
// assistant message with the "[System Message]" prefix. The model sees it
// on the next round.
func (a *Agent) AddSystemEvent(ctx context.Context, text string) error {
	if _, err := a.store.LoadOrCreate(ctx, a.initMeta()); err != nil {
		return err
	}
	return a.store.Append(ctx, a.sessionID, AssistantMessage("[System Message] "+text))
}

func (a *Agent) initMeta() SessionMeta {
	now := NowUnix()
	return SessionMeta{
		SessionID:       a.sessionID,
		Provider:        a.provider.Name(),
		Model:           a.model,
		WorkspaceDir:    a.workspaceDir,
		ParentSessionID: a.parentSessionID,
		SubagentDepth:   a.subagentDepth,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// submit enqueues one run on the session lane: persist the user message,
// then drive the loop while holding the lane slot.
func (a *Agent) submit(ctx context.Context, text string, onDelta func(string)) (string, error) {
	a.steering.ResetCancel()
	return a.withLane(ctx, func(ctx context.Context) (string, error) {
		if _, err := a.store.LoadOrCreate(ctx, a.initMeta()); err != nil {
			return "", err
		}
		if err := a.store.Append(ctx, a.sessionID, UserMessage(text)); err != nil {
			return "", err
		}
		return a.runLoop(ctx, onDelta, text)
	})
}

func (a *Agent) continueRun(ctx context.Context, onDelta func(string)) (string, error) {
	a.steering.ResetCancel()
	return a.withLane(ctx, func(ctx context.Context) (string, error) {
		snap, err := a.store.LoadOrCreate(ctx, a.initMeta())
		if err != nil {
			return "", err
		}
		switch snap.LastRole() {
		case RoleUser, RoleTool:
		case "":
			return "", fmt.Errorf("agentspine: session %s has no messages to continue", a.sessionID)
		default:
			return "", fmt.Errorf("agentspine: session %s already ended with an assistant message", a.sessionID)
		}
		return a.runLoop(ctx, onDelta, "")
	})
}

// withLane runs fn while holding the session's lane slot and reports slow
// queue waits both as a lane_wait event and as a system message the model
// sees next round.
func (a *Agent) withLane(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	queuedAt := time.Now()
	release, err := a.lanes.Acquire(ctx, a.sessionID)
	if err != nil {
		return "", err
	}
	defer release()
	wait := time.Since(queuedAt)

	startedAt := time.Now()
	out, err := fn(ctx)
	run := time.Since(startedAt)

	if a.laneWarnWait > 0 && wait >= a.laneWarnWait {
		msg := fmt.Sprintf("Lane wait detected: waited=%dms run=%dms session=%s",
			wait.Milliseconds(), run.Milliseconds(), a.sessionID)
		a.logger.Warn("lane wait", "session", a.sessionID, "wait_ms", wait.Milliseconds(), "run_ms", run.Milliseconds())
		emit(a.events, Event{Type: EventLaneWait, SessionID: a.sessionID, Message: msg})
		if aerr := a.AddSystemEvent(context.WithoutCancel(ctx), msg); aerr != nil {
			a.logger.Warn("failed to record lane wait", "session", a.sessionID, "error", aerr)
		}
	}
	return out, err
}

// nopLogger discards all output. Used when no logger option is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

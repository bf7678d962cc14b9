package agentspine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
)

const (
	// maxToolRounds caps rounds per run unless overridden.
	maxToolRounds = 20
	// maxToolResultChars caps a single tool result before it enters the
	// session; longer output keeps its head and tail.
	maxToolResultChars = 8000
	// maxRepeatRounds is how many consecutive identical tool-call rounds
	// trip the loop guard.
	maxRepeatRounds = 3
)

// skippedDueToSteer is the tool result recorded for dispatches abandoned
// by a steering interrupt.
const skippedDueToSteer = "Skipped due to user interrupt."

// Stop texts returned in place of assistant output when a run terminates
// without a normal final response.
const (
	stoppedCancelled = "(agent stopped: cancelled)"
	stoppedLoop      = "(agent stopped: repeated tool-call loop detected)"
	stoppedMaxRounds = "(agent stopped: too many tool rounds)"
)

// runLoop drives one run to a terminal state. Caller holds the session
// lane slot; the journal's last message is user or tool. userText, when
// non-empty, is the just-appended user message that opens this run; its
// message envelope is emitted inside round 1.
//
// Each round: snapshot the journal, shape it under the context budget
// (persisting any compaction), call the provider, persist the assistant
// reply, then either finish (no tool calls, empty follow-up queue),
// inject a follow-up, or dispatch the tool batch and go again. Steering
// and cancellation are consulted before every dispatch; cancellation
// also at the top of every round.
func (a *Agent) runLoop(ctx context.Context, onDelta func(string), userText string) (finalText string, err error) {
	runCtx := ctx
	var runSpan Span
	if a.tracer != nil {
		runCtx, runSpan = a.tracer.Start(ctx, "agent.run",
			StringAttr("session_id", a.sessionID),
			StringAttr("provider", a.provider.Name()),
			StringAttr("model", a.model))
		defer func() {
			if err != nil {
				runSpan.Error(err)
			}
			runSpan.End()
		}()
	}

	emit(a.events, Event{Type: EventAgentStart, SessionID: a.sessionID})
	defer func() {
		emit(a.events, Event{Type: EventAgentEnd, SessionID: a.sessionID, FinalText: finalText})
	}()

	var lastSignature string
	repeatRounds := 0

	for round := 1; round <= a.maxRounds; round++ {
		emit(a.events, Event{Type: EventTurnStart, SessionID: a.sessionID, Round: round})

		if round == 1 && userText != "" {
			emit(a.events, Event{Type: EventMessageStart, SessionID: a.sessionID, Round: round, Role: RoleUser})
			emit(a.events, Event{
				Type: EventMessageEnd, SessionID: a.sessionID, Round: round, Role: RoleUser,
				TextPreview: truncate(userText, previewLen),
			})
		}

		if a.steering.Cancelled() {
			a.logger.Info("run cancelled", "session", a.sessionID, "round", round)
			a.emitTurnEnd(round, StatusCancelled, 0, "", nil)
			return stoppedCancelled, nil
		}

		resp, llmErr := a.completeRound(runCtx, round, onDelta)
		if llmErr != nil {
			a.logger.Error("provider call failed", "session", a.sessionID, "round", round, "error", llmErr)
			a.emitTurnEnd(round, StatusFailed, 0, "", nil)
			return "", llmErr
		}

		assistant := resp.Message
		assistant.Role = RoleAssistant
		if assistant.CreatedAt == 0 {
			assistant.CreatedAt = NowUnix()
		}
		if err := a.store.Append(runCtx, a.sessionID, assistant); err != nil {
			a.emitTurnEnd(round, StatusFailed, 0, "", nil)
			return "", err
		}
		if err := a.accumulateUsage(runCtx, resp.Usage); err != nil {
			a.logger.Warn("usage accounting failed", "session", a.sessionID, "error", err)
		}

		calls := assistant.ToolCalls
		preview := truncate(assistant.Content, previewLen)

		if len(calls) == 0 {
			if followUp, ok := a.steering.PopFollowUp(); ok {
				a.injectUserMessage(runCtx, round, followUp, SourceFollowUp)
				a.emitTurnEnd(round, StatusFollowUpInjected, 0, preview, nil)
				continue
			}
			a.emitTurnEnd(round, StatusCompleted, 0, preview, nil)
			return assistant.Content, nil
		}

		sig := roundSignature(assistant)
		if sig == lastSignature {
			repeatRounds++
		} else {
			lastSignature, repeatRounds = sig, 1
		}
		if repeatRounds >= maxRepeatRounds {
			a.logger.Warn("repeated tool-call loop detected", "session", a.sessionID, "round", round)
			a.emitTurnEnd(round, StatusLoopDetected, len(calls), preview, nil)
			return stoppedLoop, nil
		}

		toolMsgs, resultPreviews, steerText, steered, cancelled := a.dispatchBatch(runCtx, round, calls)
		if len(toolMsgs) > 0 {
			if err := a.store.Append(runCtx, a.sessionID, toolMsgs...); err != nil {
				a.emitTurnEnd(round, StatusFailed, len(calls), preview, resultPreviews)
				return "", err
			}
		}

		if cancelled {
			a.logger.Info("run cancelled mid-batch", "session", a.sessionID, "round", round)
			a.emitTurnEnd(round, StatusCancelled, len(calls), preview, resultPreviews)
			return stoppedCancelled, nil
		}
		if steered {
			a.injectUserMessage(runCtx, round, steerText, SourceSteer)
			a.emitTurnEnd(round, StatusSteered, len(calls), preview, resultPreviews)
			continue
		}
		a.emitTurnEnd(round, StatusToolCallsProcessed, len(calls), preview, resultPreviews)
	}

	a.logger.Warn("too many tool rounds", "session", a.sessionID, "max_rounds", a.maxRounds)
	return stoppedMaxRounds, nil
}

// completeRound shapes the context and makes one provider call, emitting
// the message_start/update/end envelope around it.
func (a *Agent) completeRound(ctx context.Context, round int, onDelta func(string)) (CompletionResponse, error) {
	roundCtx := ctx
	var span Span
	if a.tracer != nil {
		roundCtx, span = a.tracer.Start(ctx, "agent.round", IntAttr("round", round))
		defer span.End()
	}

	snap, err := a.store.Snapshot(roundCtx, a.sessionID)
	if err != nil {
		return CompletionResponse{}, err
	}
	history := snap.Messages
	if a.hooks.TransformContext != nil {
		history = a.hooks.TransformContext(roundCtx, history)
	}

	systemPrompt := a.prompt.Build(a.provider.Name(), a.model, a.workspaceDir, a.registry.Summaries())

	view := a.ctxmgr.Prepare(systemPrompt, history)
	if view.Compacted && a.hooks.TransformContext == nil {
		// Persist the summary so the journal matches the shaped view. The
		// summary replaces everything except the kept tail, even when
		// trimming shortened the provider view further.
		upTo := len(snap.Messages) - view.TailLen
		if upTo > 0 && upTo <= len(snap.Messages) {
			if err := a.store.ReplacePrefix(roundCtx, a.sessionID, upTo, view.Summary); err != nil {
				a.logger.Warn("compaction persist failed", "session", a.sessionID, "error", err)
			} else if span != nil {
				span.Event("context.compacted", IntAttr("replaced", upTo))
			}
		}
	}

	messages := view.Messages
	if a.hooks.BeforeTurn != nil {
		setup := a.hooks.BeforeTurn(roundCtx, round, messages)
		if setup.SystemPromptOverride != "" {
			messages[0] = SystemMessage(setup.SystemPromptOverride)
		}
		if len(setup.PrependMessages) > 0 {
			head := []ChatMessage{messages[0]}
			head = append(head, setup.PrependMessages...)
			messages = append(head, messages[1:]...)
		}
	}
	if a.hooks.ConvertToLLM != nil {
		messages = a.hooks.ConvertToLLM(messages)
	}

	req := CompletionRequest{
		Model:         a.model,
		Messages:      messages,
		Tools:         a.registry.AllDefinitions(),
		SessionID:     a.sessionID,
		ThinkingLevel: a.thinking,
	}
	if a.hooks.GetAPIKey != nil {
		req.APIKey = a.hooks.GetAPIKey(a.provider.Name(), a.model)
	}
	if onDelta != nil {
		req.OnTextDelta = func(delta string) {
			onDelta(delta)
			emit(a.events, Event{
				Type:      EventMessageUpdate,
				SessionID: a.sessionID,
				Round:     round,
				Role:      RoleAssistant,
				Delta:     delta,
			})
		}
	}

	emit(a.events, Event{Type: EventMessageStart, SessionID: a.sessionID, Round: round, Role: RoleAssistant})
	resp, err := a.provider.Complete(roundCtx, req)
	if err != nil {
		return CompletionResponse{}, err
	}
	emit(a.events, Event{
		Type:        EventMessageEnd,
		SessionID:   a.sessionID,
		Round:       round,
		Role:        RoleAssistant,
		TextPreview: truncate(resp.Message.Content, previewLen),
	})
	return resp, nil
}

// dispatchBatch executes one assistant's tool calls in order. A steering
// message or a cancellation observed before any dispatch abandons the
// remainder: skipped calls still get paired start/end events and a
// placeholder result so the provider sees every call answered.
func (a *Agent) dispatchBatch(ctx context.Context, round int, calls []ToolCall) (msgs []ChatMessage, previews []string, steerText string, steered, cancelled bool) {
	for _, tc := range calls {
		if !steered && !cancelled {
			if a.steering.Cancelled() {
				cancelled = true
			} else if text, ok := a.steering.PopSteer(); ok {
				steered, steerText = true, text
			}
		}
		if steered || cancelled {
			emit(a.events, Event{
				Type: EventToolExecutionStart, SessionID: a.sessionID, Round: round,
				ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args, Skipped: true,
			})
			emit(a.events, Event{
				Type: EventToolExecutionEnd, SessionID: a.sessionID, Round: round,
				ToolCallID: tc.ID, ToolName: tc.Name, Skipped: true,
				ResultPreview: skippedDueToSteer,
			})
			m := ToolResultMessage(tc.ID, tc.Name, skippedDueToSteer)
			m.Source = SourceSkipped
			msgs = append(msgs, m)
			previews = append(previews, truncate(skippedDueToSteer, previewLen))
			continue
		}

		content := a.executeCall(ctx, round, tc)
		msgs = append(msgs, ToolResultMessage(tc.ID, tc.Name, content))
		previews = append(previews, truncate(content, previewLen))
	}
	return msgs, previews, steerText, steered, cancelled
}

// executeCall runs a single tool call with events, tracing, and output
// clamping. Errors become "[Tool Error]" results, never loop failures.
func (a *Agent) executeCall(ctx context.Context, round int, tc ToolCall) string {
	execCtx := ctx
	var span Span
	if a.tracer != nil {
		execCtx, span = a.tracer.Start(ctx, "agent.tool",
			StringAttr("tool", tc.Name),
			StringAttr("tool_call_id", tc.ID))
		defer span.End()
	}

	emit(a.events, Event{
		Type: EventToolExecutionStart, SessionID: a.sessionID, Round: round,
		ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args,
	})

	execCtx = WithExecInfo(execCtx, ExecInfo{
		SessionID:    a.sessionID,
		WorkspaceDir: a.workspaceDir,
		OnProgress: func(text string) {
			emit(a.events, Event{
				Type: EventToolExecutionUpdate, SessionID: a.sessionID, Round: round,
				ToolCallID: tc.ID, ToolName: tc.Name, Partial: truncate(text, previewLen),
			})
		},
	})

	result, execErr := a.registry.Execute(execCtx, tc.Name, tc.Args)
	var content string
	switch {
	case execErr != nil:
		content = fmt.Sprintf("%s %s: %v", ToolErrorPrefix, tc.Name, execErr)
	case result.Error != "":
		content = fmt.Sprintf("%s %s: %s", ToolErrorPrefix, tc.Name, result.Error)
	default:
		content = result.Content
	}
	if span != nil && (execErr != nil || result.Error != "") {
		span.SetAttr(BoolAttr("error", true))
	}
	content = clampToolOutput(content, maxToolResultChars)

	emit(a.events, Event{
		Type: EventToolExecutionEnd, SessionID: a.sessionID, Round: round,
		ToolCallID: tc.ID, ToolName: tc.Name,
		ResultPreview: truncate(content, previewLen),
		Details:       result.Details,
	})
	return content
}

// injectUserMessage persists a queue-sourced user message with its
// message_start/message_end envelope.
func (a *Agent) injectUserMessage(ctx context.Context, round int, text, source string) {
	msg := UserMessage(text)
	msg.Source = source
	emit(a.events, Event{Type: EventMessageStart, SessionID: a.sessionID, Round: round, Role: RoleUser, Source: source})
	emit(a.events, Event{
		Type: EventMessageEnd, SessionID: a.sessionID, Round: round, Role: RoleUser,
		Source: source, TextPreview: truncate(text, previewLen),
	})
	if err := a.store.Append(ctx, a.sessionID, msg); err != nil {
		a.logger.Warn("failed to persist injected message", "session", a.sessionID, "source", source, "error", err)
	}
}

func (a *Agent) emitTurnEnd(round int, status TurnStatus, toolCalls int, assistantPreview string, resultPreviews []string) {
	emit(a.events, Event{
		Type:                    EventTurnEnd,
		SessionID:               a.sessionID,
		Round:                   round,
		Status:                  status,
		ToolCallsCount:          toolCalls,
		AssistantMessagePreview: assistantPreview,
		ToolResultsPreview:      resultPreviews,
	})
}

// accumulateUsage folds one call's usage into the session header.
func (a *Agent) accumulateUsage(ctx context.Context, u Usage) error {
	return a.store.UpdateHeader(ctx, a.sessionID, func(m *SessionMeta) {
		if (u != Usage{}) {
			m.Usage.Add(u)
		}
		m.UpdatedAt = NowUnix()
	})
}

// roundSignature fingerprints one assistant round: text plus the ordered
// tool calls. Three identical consecutive signatures trip the loop guard.
func roundSignature(msg ChatMessage) string {
	h := fnv.New64a()
	h.Write([]byte(msg.Content))
	for _, tc := range msg.ToolCalls {
		h.Write([]byte{0})
		h.Write([]byte(tc.Name))
		h.Write([]byte{0})
		h.Write(tc.Args)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// clampToolOutput bounds a tool result, keeping roughly the first two
// thirds and the final third of the limit with an elision marker between.
func clampToolOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	head := limit * 2 / 3
	tail := limit - head
	omitted := len(s) - head - tail
	return s[:head] +
		fmt.Sprintf("\n...[output truncated: omitted %d chars for context safety]...\n", omitted) +
		s[len(s)-tail:]
}

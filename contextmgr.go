package agentspine

import "strings"

// ContextMode selects how history size is measured.
type ContextMode string

const (
	// ModeChars measures history by content bytes.
	ModeChars ContextMode = "chars"
	// ModeTokens measures history by estimated tokens (~4 chars/token
	// heuristic, no external tokenizer).
	ModeTokens ContextMode = "tokens"
)

// ContextConfig parameterizes the context manager. Zero values are replaced
// by defaults in NewContextManager.
type ContextConfig struct {
	Mode                 ContextMode
	MaxChars             int
	MaxTokens            int
	CompactTriggerChars  int
	CompactTriggerTokens int
	// KeepLastMessages bounds how many messages survive trimming.
	KeepLastMessages int
	// CompactKeepTail is how many recent messages stay verbatim when the
	// older prefix is folded into a summary.
	CompactKeepTail int
}

// DefaultContextConfig mirrors the runtime defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Mode:                 ModeChars,
		MaxChars:             24_000,
		MaxTokens:            24_000,
		CompactTriggerChars:  36_000,
		CompactTriggerTokens: 36_000,
		KeepLastMessages:     30,
		CompactKeepTail:      16,
	}
}

// ContextManager shapes a session snapshot into the message list sent to the
// provider: compaction when the history is far over budget, then trimming to
// the hard cap. Trimming never orphans a tool call or tool result; matched
// groups are dropped together.
type ContextManager struct {
	cfg ContextConfig
}

// NewContextManager creates a manager. Unset (zero) fields fall back to
// the defaults; explicit values are honored as given, however small.
// Sanity floors for file- and env-sourced values live at the config
// loading boundary, not here.
func NewContextManager(cfg ContextConfig) *ContextManager {
	def := DefaultContextConfig()
	if cfg.Mode != ModeTokens {
		cfg.Mode = ModeChars
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CompactTriggerChars <= 0 {
		cfg.CompactTriggerChars = max(cfg.MaxChars, def.CompactTriggerChars)
	}
	if cfg.CompactTriggerTokens <= 0 {
		cfg.CompactTriggerTokens = max(cfg.MaxTokens, def.CompactTriggerTokens)
	}
	if cfg.KeepLastMessages <= 0 {
		cfg.KeepLastMessages = def.KeepLastMessages
	}
	if cfg.CompactKeepTail <= 0 {
		cfg.CompactKeepTail = def.CompactKeepTail
	}
	return &ContextManager{cfg: cfg}
}

// ContextView is the result of Prepare.
type ContextView struct {
	// Messages is what goes to the provider: system prompt first, then the
	// shaped history.
	Messages []ChatMessage
	// Compacted reports whether a summary replaced an older prefix. When
	// true, Summary and TailLen describe the replacement so the journal
	// can be rewritten to match.
	Compacted bool
	// History is Messages without the leading system prompt.
	History []ChatMessage
	// Summary is the compaction message, set when Compacted.
	Summary ChatMessage
	// TailLen is how many original messages survive after the summary,
	// before any further trimming of the provider view.
	TailLen int
}

// Prepare shapes history under the configured budget and prepends the
// system prompt. Applying Prepare to an already-shaped history that fits is
// a no-op, so compaction is idempotent.
func (m *ContextManager) Prepare(systemPrompt string, history []ChatMessage) ContextView {
	working := make([]ChatMessage, len(history))
	copy(working, history)

	budget, trigger := m.cfg.MaxChars, m.cfg.CompactTriggerChars
	if m.cfg.Mode == ModeTokens {
		budget, trigger = m.cfg.MaxTokens, m.cfg.CompactTriggerTokens
	}

	compacted := false
	var summary ChatMessage
	tailLen := 0
	if m.measure(working) > trigger && len(working) > m.cfg.CompactKeepTail {
		working = m.compact(working)
		compacted = true
		summary = working[0]
		tailLen = len(working) - 1
	}

	for len(working) > m.cfg.KeepLastMessages {
		working = dropOldestGroup(working)
	}
	for m.measure(working) > budget && len(working) > 4 {
		working = dropOldestGroup(working)
	}

	messages := append([]ChatMessage{SystemMessage(systemPrompt)}, working...)
	return ContextView{
		Messages:  messages,
		Compacted: compacted,
		History:   working,
		Summary:   summary,
		TailLen:   tailLen,
	}
}

// measure sums message sizes under the configured mode. Tool call names and
// arguments count toward the total; they occupy context like content does.
func (m *ContextManager) measure(messages []ChatMessage) int {
	total := 0
	for _, msg := range messages {
		size := len(msg.Content)
		for _, tc := range msg.ToolCalls {
			size += len(tc.Name) + len(tc.Args)
		}
		if m.cfg.Mode == ModeTokens {
			size = EstimateTokens(size)
		}
		total += size
	}
	return total
}

// EstimateTokens converts a byte count to an approximate token count using
// the ~4 chars/token heuristic. Non-empty text estimates at least 1 token.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return max(1, chars/4)
}

// compact folds everything older than the last CompactKeepTail messages
// into a single deterministic summary message. The boundary is advanced
// past leading tool messages so a tool result is never separated from its
// assistant tool call.
func (m *ContextManager) compact(messages []ChatMessage) []ChatMessage {
	cut := max(0, len(messages)-m.cfg.CompactKeepTail)
	for cut < len(messages) && messages[cut].Role == RoleTool {
		cut++
	}
	head, tail := messages[:cut], messages[cut:]
	out := make([]ChatMessage, 0, len(tail)+1)
	out = append(out, buildCompactionSummary(head))
	return append(out, tail...)
}

// buildCompactionSummary derives a stable summary from the dropped prefix:
// up to 10 "- role: preview" lines with previews capped at 140 chars.
func buildCompactionSummary(messages []ChatMessage) ChatMessage {
	var points []string
	for _, msg := range messages {
		text := strings.TrimSpace(strings.ReplaceAll(msg.Content, "\n", " "))
		if text == "" {
			continue
		}
		if len(text) > 140 {
			text = text[:140] + "..."
		}
		points = append(points, "- "+msg.Role+": "+text)
		if len(points) >= 10 {
			break
		}
	}
	if len(points) == 0 {
		points = []string{"- No significant earlier content."}
	}
	summary := AssistantMessage("[Compacted conversation summary]\n" + strings.Join(points, "\n"))
	summary.Source = SourceCompaction
	return summary
}

// dropOldestGroup removes the oldest message, extending the cut to keep
// tool call/result pairs whole: an assistant message with tool calls takes
// its contiguous tool results with it, and a leading run of tool messages
// (already orphaned) is removed together.
func dropOldestGroup(messages []ChatMessage) []ChatMessage {
	if len(messages) == 0 {
		return messages
	}
	n := 1
	switch {
	case messages[0].Role == RoleAssistant && len(messages[0].ToolCalls) > 0:
		for n < len(messages) && messages[n].Role == RoleTool {
			n++
		}
	case messages[0].Role == RoleTool:
		for n < len(messages) && messages[n].Role == RoleTool {
			n++
		}
	}
	return messages[n:]
}

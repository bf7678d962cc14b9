package agentspine

// SessionMeta is the journal header: identity, wiring, and cumulative
// usage counters for one session.
type SessionMeta struct {
	SessionID       string `json:"session_id"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	WorkspaceDir    string `json:"workspace_dir"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	SubagentDepth   int    `json:"subagent_depth,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	Usage           Usage  `json:"usage"`
}

// Session is an immutable snapshot of one conversation: header plus the
// ordered message journal. The SessionStore is the sole writer; readers
// work on snapshots.
type Session struct {
	Meta     SessionMeta   `json:"meta"`
	Messages []ChatMessage `json:"messages"`
}

// LastRole returns the role of the most recent message, or "".
func (s *Session) LastRole() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Role
}

package agentspine

import "context"

// SessionStore persists sessions as per-session append-only journals.
// Implementations must make every Append durable before returning and make
// ReplacePrefix atomic: concurrent readers observe either the pre- or
// post-rewrite journal, never a torn view. Missing sessions auto-initialize
// on first access.
//
// The loop serializes writes per session through the lane queue, so
// implementations only need to be safe for concurrent use across sessions
// (plus concurrent readers of the same session).
type SessionStore interface {
	// LoadOrCreate opens the session, creating it from init when absent.
	// On an existing session, the wiring fields of init (provider, model,
	// workspace) refresh the stored header.
	LoadOrCreate(ctx context.Context, init SessionMeta) (Session, error)

	// Append durably adds messages to the end of the journal.
	Append(ctx context.Context, sessionID string, msgs ...ChatMessage) error

	// UpdateHeader applies patch to the stored header and persists it.
	UpdateHeader(ctx context.Context, sessionID string, patch func(*SessionMeta)) error

	// ReplacePrefix atomically replaces messages[0:upTo) with summary,
	// keeping the rest of the journal intact.
	ReplacePrefix(ctx context.Context, sessionID string, upTo int, summary ChatMessage) error

	// Snapshot returns the current header and full message list.
	Snapshot(ctx context.Context, sessionID string) (Session, error)
}

// Package sqlite implements agentspine.SessionStore using pure-Go SQLite.
// Zero CGO required. Sessions live in a header table; messages are an
// ordered per-session log keyed by a monotonic sequence number, so prefix
// replacement is a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmcool/agentspine"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentspine.SessionStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentspine.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			workspace_dir TEXT NOT NULL DEFAULT '',
			parent_session_id TEXT NOT NULL DEFAULT '',
			subagent_depth INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			usage TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// LoadOrCreate opens the session, creating it from init when absent.
func (s *Store) LoadOrCreate(ctx context.Context, init agentspine.SessionMeta) (agentspine.Session, error) {
	meta, err := s.readMeta(ctx, init.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		usage, _ := json.Marshal(init.Usage)
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, provider, model, workspace_dir, parent_session_id, subagent_depth, created_at, updated_at, usage)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			init.SessionID, init.Provider, init.Model, init.WorkspaceDir,
			init.ParentSessionID, init.SubagentDepth, init.CreatedAt, init.UpdatedAt, string(usage))
		if err != nil {
			return agentspine.Session{}, fmt.Errorf("create session: %w", err)
		}
		s.logger.Debug("sqlite: session created", "session", init.SessionID)
		return agentspine.Session{Meta: init}, nil
	}
	if err != nil {
		return agentspine.Session{}, err
	}

	if (init.Provider != "" && init.Provider != meta.Provider) ||
		(init.Model != "" && init.Model != meta.Model) ||
		(init.WorkspaceDir != "" && init.WorkspaceDir != meta.WorkspaceDir) {
		if init.Provider != "" {
			meta.Provider = init.Provider
		}
		if init.Model != "" {
			meta.Model = init.Model
		}
		if init.WorkspaceDir != "" {
			meta.WorkspaceDir = init.WorkspaceDir
		}
		meta.UpdatedAt = agentspine.NowUnix()
		if err := s.writeMeta(ctx, meta); err != nil {
			return agentspine.Session{}, err
		}
	}

	msgs, err := s.readMessages(ctx, init.SessionID)
	if err != nil {
		return agentspine.Session{}, err
	}
	return agentspine.Session{Meta: meta, Messages: msgs}, nil
}

// Append adds messages to the end of the session log in one transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...agentspine.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM session_messages WHERE session_id = ?`,
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	for i, msg := range msgs {
		var toolCalls *string
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			v := string(data)
			toolCalls = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, seq, role, content, tool_calls, tool_call_id, name, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, next+int64(i), msg.Role, msg.Content, toolCalls,
			msg.ToolCallID, msg.Name, msg.Source, msg.CreatedAt); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	s.logger.Debug("sqlite: appended", "session", sessionID, "messages", len(msgs))
	return nil
}

// UpdateHeader applies patch to the stored header and persists it.
func (s *Store) UpdateHeader(ctx context.Context, sessionID string, patch func(*agentspine.SessionMeta)) error {
	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return err
	}
	patch(&meta)
	return s.writeMeta(ctx, meta)
}

// ReplacePrefix atomically replaces messages[0:upTo) with summary. Kept
// messages are re-sequenced after the summary so the log stays dense.
func (s *Store) ReplacePrefix(ctx context.Context, sessionID string, upTo int, summary agentspine.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return fmt.Errorf("list seqs: %w", err)
	}
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return fmt.Errorf("scan seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list seqs: %w", err)
	}
	if upTo < 0 || upTo > len(seqs) {
		return fmt.Errorf("replace prefix out of range: %d of %d", upTo, len(seqs))
	}
	if upTo > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_messages WHERE session_id = ? AND seq < ?`,
			sessionID, seqs[upTo-1]+1); err != nil {
			return fmt.Errorf("delete prefix: %w", err)
		}
	}

	// Insert the summary before the kept tail. Sequence numbers below the
	// tail's first seq are free after the delete.
	summarySeq := int64(0)
	if upTo < len(seqs) {
		summarySeq = seqs[upTo] - 1
	} else if len(seqs) > 0 {
		summarySeq = seqs[len(seqs)-1] + 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, seq, role, content, tool_calls, tool_call_id, name, source, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		sessionID, summarySeq, summary.Role, summary.Content,
		summary.ToolCallID, summary.Name, summary.Source, summary.CreatedAt); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		agentspine.NowUnix(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	s.logger.Debug("sqlite: prefix replaced", "session", sessionID, "replaced", upTo)
	return nil
}

// Snapshot returns the current header and full message list.
func (s *Store) Snapshot(ctx context.Context, sessionID string) (agentspine.Session, error) {
	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return agentspine.Session{}, err
	}
	msgs, err := s.readMessages(ctx, sessionID)
	if err != nil {
		return agentspine.Session{}, err
	}
	return agentspine.Session{Meta: meta, Messages: msgs}, nil
}

func (s *Store) readMeta(ctx context.Context, sessionID string) (agentspine.SessionMeta, error) {
	var meta agentspine.SessionMeta
	var usage string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, provider, model, workspace_dir, parent_session_id, subagent_depth, created_at, updated_at, usage
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&meta.SessionID, &meta.Provider, &meta.Model, &meta.WorkspaceDir,
			&meta.ParentSessionID, &meta.SubagentDepth, &meta.CreatedAt, &meta.UpdatedAt, &usage)
	if errors.Is(err, sql.ErrNoRows) {
		return agentspine.SessionMeta{}, err
	}
	if err != nil {
		return agentspine.SessionMeta{}, fmt.Errorf("read session: %w", err)
	}
	if usage != "" {
		if uerr := json.Unmarshal([]byte(usage), &meta.Usage); uerr != nil {
			return agentspine.SessionMeta{}, fmt.Errorf("parse usage: %w", uerr)
		}
	}
	return meta, nil
}

func (s *Store) writeMeta(ctx context.Context, meta agentspine.SessionMeta) error {
	usage, err := json.Marshal(meta.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET provider = ?, model = ?, workspace_dir = ?, parent_session_id = ?,
		 subagent_depth = ?, created_at = ?, updated_at = ?, usage = ? WHERE session_id = ?`,
		meta.Provider, meta.Model, meta.WorkspaceDir, meta.ParentSessionID,
		meta.SubagentDepth, meta.CreatedAt, meta.UpdatedAt, string(usage), meta.SessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) readMessages(ctx context.Context, sessionID string) ([]agentspine.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, name, source, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []agentspine.ChatMessage
	for rows.Next() {
		var msg agentspine.ChatMessage
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls,
			&msg.ToolCallID, &msg.Name, &msg.Source, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("parse tool calls: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

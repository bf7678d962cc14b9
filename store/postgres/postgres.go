// Package postgres implements agentspine.SessionStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Prefix replacement
// and appends run inside transactions so concurrent readers never observe
// a torn journal.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmcool/agentspine"
)

// Store implements agentspine.SessionStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentspine.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			workspace_dir TEXT NOT NULL DEFAULT '',
			parent_session_id TEXT NOT NULL DEFAULT '',
			subagent_depth INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			usage JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS session_messages_session_idx ON session_messages(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// LoadOrCreate opens the session, creating it from init when absent.
func (s *Store) LoadOrCreate(ctx context.Context, init agentspine.SessionMeta) (agentspine.Session, error) {
	meta, err := s.readMeta(ctx, init.SessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		usage, _ := json.Marshal(init.Usage)
		_, err = s.pool.Exec(ctx,
			`INSERT INTO sessions (session_id, provider, model, workspace_dir, parent_session_id, subagent_depth, created_at, updated_at, usage)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (session_id) DO NOTHING`,
			init.SessionID, init.Provider, init.Model, init.WorkspaceDir,
			init.ParentSessionID, init.SubagentDepth, init.CreatedAt, init.UpdatedAt, usage)
		if err != nil {
			return agentspine.Session{}, fmt.Errorf("create session: %w", err)
		}
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM session_messages WHERE session_id = $1`,
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	for i, msg := range msgs {
		var toolCalls []byte
		if len(msg.ToolCalls) > 0 {
			toolCalls, err = json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_messages (session_id, seq, role, content, tool_calls, tool_call_id, name, source, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sessionID, next+int64(i), msg.Role, msg.Content, toolCalls,
			msg.ToolCallID, msg.Name, msg.Source, msg.CreatedAt); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return tx.Commit(ctx)
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

// ReplacePrefix atomically replaces messages[0:upTo) with summary.
func (s *Store) ReplacePrefix(ctx context.Context, sessionID string, upTo int, summary agentspine.ChatMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT seq FROM session_messages WHERE session_id = $1 ORDER BY seq FOR UPDATE`, sessionID)
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
		if _, err := tx.Exec(ctx,
			`DELETE FROM session_messages WHERE session_id = $1 AND seq <= $2`,
			sessionID, seqs[upTo-1]); err != nil {
			return fmt.Errorf("delete prefix: %w", err)
		}
	}

	summarySeq := int64(0)
	if upTo < len(seqs) {
		summarySeq = seqs[upTo] - 1
	} else if len(seqs) > 0 {
		summarySeq = seqs[len(seqs)-1] + 1
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO session_messages (session_id, seq, role, content, tool_calls, tool_call_id, name, source, created_at)
		 VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)`,
		sessionID, summarySeq, summary.Role, summary.Content,
		summary.ToolCallID, summary.Name, summary.Source, summary.CreatedAt); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE session_id = $2`,
		agentspine.NowUnix(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit(ctx)
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
	var usage []byte
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, provider, model, workspace_dir, parent_session_id, subagent_depth, created_at, updated_at, usage
		 FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&meta.SessionID, &meta.Provider, &meta.Model, &meta.WorkspaceDir,
			&meta.ParentSessionID, &meta.SubagentDepth, &meta.CreatedAt, &meta.UpdatedAt, &usage)
	if errors.Is(err, pgx.ErrNoRows) {
		return agentspine.SessionMeta{}, err
	}
	if err != nil {
		return agentspine.SessionMeta{}, fmt.Errorf("read session: %w", err)
	}
	if len(usage) > 0 {
		if uerr := json.Unmarshal(usage, &meta.Usage); uerr != nil {
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
	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET provider = $1, model = $2, workspace_dir = $3, parent_session_id = $4,
		 subagent_depth = $5, created_at = $6, updated_at = $7, usage = $8 WHERE session_id = $9`,
		meta.Provider, meta.Model, meta.WorkspaceDir, meta.ParentSessionID,
		meta.SubagentDepth, meta.CreatedAt, meta.UpdatedAt, usage, meta.SessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) readMessages(ctx context.Context, sessionID string) ([]agentspine.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, tool_calls, tool_call_id, name, source, created_at
		 FROM session_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []agentspine.ChatMessage
	for rows.Next() {
		var msg agentspine.ChatMessage
		var toolCalls []byte
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls,
			&msg.ToolCallID, &msg.Name, &msg.Source, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
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

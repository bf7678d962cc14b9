// Package jsonl implements agentspine.SessionStore as per-session JSONL
// journal files: the first line is the session header, every following
// line is one message. Appends are fsynced before returning; header
// updates and prefix replacement rewrite the file atomically via a temp
// file and rename.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmcool/agentspine"
)

// StoreOption configures a jsonl Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentspine.SessionStore backed by a directory of
// journal files, one per session.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ agentspine.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at dir. The directory is created on first
// write.
func New(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, logger: nopLogger, locks: make(map[string]*sync.Mutex)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lock returns the per-session mutex, creating it on first use.
func (s *Store) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// path maps a session ID to its journal file, rejecting IDs that would
// escape the store directory.
func (s *Store) path(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("jsonl: empty session id")
	}
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", fmt.Errorf("jsonl: invalid session id %q", sessionID)
		}
	}
	if strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("jsonl: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".jsonl"), nil
}

// LoadOrCreate opens the session, creating the journal from init when
// absent. On an existing session the wiring fields of init refresh the
// stored header.
func (s *Store) LoadOrCreate(ctx context.Context, init agentspine.SessionMeta) (agentspine.Session, error) {
	l := s.lock(init.SessionID)
	l.Lock()
	defer l.Unlock()

	path, err := s.path(init.SessionID)
	if err != nil {
		return agentspine.Session{}, err
	}

	sess, err := s.read(path)
	if os.IsNotExist(err) {
		s.logger.Debug("jsonl: creating session", "session", init.SessionID)
		sess = agentspine.Session{Meta: init}
		if err := s.rewrite(path, sess); err != nil {
			return agentspine.Session{}, err
		}
		return sess, nil
	}
	if err != nil {
		return agentspine.Session{}, err
	}

	changed := false
	if init.Provider != "" && sess.Meta.Provider != init.Provider {
		sess.Meta.Provider = init.Provider
		changed = true
	}
	if init.Model != "" && sess.Meta.Model != init.Model {
		sess.Meta.Model = init.Model
		changed = true
	}
	if init.WorkspaceDir != "" && sess.Meta.WorkspaceDir != init.WorkspaceDir {
		sess.Meta.WorkspaceDir = init.WorkspaceDir
		changed = true
	}
	if changed {
		sess.Meta.UpdatedAt = agentspine.NowUnix()
		if err := s.rewrite(path, sess); err != nil {
			return agentspine.Session{}, err
		}
	}
	return sess, nil
}

// Append durably adds messages to the end of the journal. A missing
// session is initialized with a minimal header on first append.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...agentspine.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		now := agentspine.NowUnix()
		sess := agentspine.Session{Meta: agentspine.SessionMeta{
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		if err := s.rewrite(path, sess); err != nil {
			return err
		}
		s.logger.Debug("jsonl: initialized session on first append", "session", sessionID)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open journal: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("jsonl: encode message: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("jsonl: append: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("jsonl: append: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("jsonl: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("jsonl: sync: %w", err)
	}
	s.logger.Debug("jsonl: appended", "session", sessionID, "messages", len(msgs))
	return nil
}

// UpdateHeader applies patch to the stored header and persists it.
func (s *Store) UpdateHeader(ctx context.Context, sessionID string, patch func(*agentspine.SessionMeta)) error {
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	sess, err := s.read(path)
	if err != nil {
		return err
	}
	patch(&sess.Meta)
	return s.rewrite(path, sess)
}

// ReplacePrefix atomically replaces messages[0:upTo) with summary.
func (s *Store) ReplacePrefix(ctx context.Context, sessionID string, upTo int, summary agentspine.ChatMessage) error {
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	sess, err := s.read(path)
	if err != nil {
		return err
	}
	if upTo < 0 || upTo > len(sess.Messages) {
		return fmt.Errorf("jsonl: replace prefix out of range: %d of %d", upTo, len(sess.Messages))
	}

	replaced := make([]agentspine.ChatMessage, 0, len(sess.Messages)-upTo+1)
	replaced = append(replaced, summary)
	replaced = append(replaced, sess.Messages[upTo:]...)
	sess.Messages = replaced
	sess.Meta.UpdatedAt = agentspine.NowUnix()

	if err := s.rewrite(path, sess); err != nil {
		return err
	}
	s.logger.Debug("jsonl: prefix replaced", "session", sessionID, "replaced", upTo)
	return nil
}

// Snapshot returns the current header and full message list.
func (s *Store) Snapshot(ctx context.Context, sessionID string) (agentspine.Session, error) {
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path, err := s.path(sessionID)
	if err != nil {
		return agentspine.Session{}, err
	}
	return s.read(path)
}

// read parses a journal file. Caller holds the session lock.
func (s *Store) read(path string) (agentspine.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return agentspine.Session{}, err
	}
	defer f.Close()

	var sess agentspine.Session
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &sess.Meta); err != nil {
				return agentspine.Session{}, fmt.Errorf("jsonl: parse header: %w", err)
			}
			first = false
			continue
		}
		var msg agentspine.ChatMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return agentspine.Session{}, fmt.Errorf("jsonl: parse line %d: %w", lineNo, err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := sc.Err(); err != nil {
		return agentspine.Session{}, fmt.Errorf("jsonl: scan journal: %w", err)
	}
	if first {
		return agentspine.Session{}, fmt.Errorf("jsonl: journal %s has no header", filepath.Base(path))
	}
	return sess, nil
}

// rewrite writes the whole journal to a temp file and renames it into
// place. Caller holds the session lock.
func (s *Store) rewrite(path string, sess agentspine.Session) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("jsonl: create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".journal-*.jsonl")
	if err != nil {
		return fmt.Errorf("jsonl: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	header, err := json.Marshal(sess.Meta)
	if err != nil {
		cleanup()
		return fmt.Errorf("jsonl: encode header: %w", err)
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		cleanup()
		return fmt.Errorf("jsonl: write header: %w", err)
	}
	for _, msg := range sess.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			cleanup()
			return fmt.Errorf("jsonl: encode message: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			cleanup()
			return fmt.Errorf("jsonl: write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("jsonl: flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("jsonl: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("jsonl: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("jsonl: replace journal: %w", err)
	}
	return nil
}

package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bmcool/agentspine"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir), dir
}

func meta(sessionID string) agentspine.SessionMeta {
	now := agentspine.NowUnix()
	return agentspine.SessionMeta{
		SessionID: sessionID,
		Provider:  "openai",
		Model:     "gpt-4o",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()

	sess, err := s.LoadOrCreate(ctx, meta("sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Meta.SessionID != "sess-1" || len(sess.Messages) != 0 {
		t.Fatalf("session = %+v", sess)
	}
	if _, err := os.Stat(filepath.Join(dir, "sess-1.jsonl")); err != nil {
		t.Fatalf("journal file: %v", err)
	}

	if err := s.Append(ctx, "sess-1",
		agentspine.UserMessage("hello"),
		agentspine.AssistantMessage("hi"),
	); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[0].Role != agentspine.RoleUser || snap.Messages[0].Content != "hello" {
		t.Fatalf("first message = %+v", snap.Messages[0])
	}
}

func TestLoadRefreshesWiringFields(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.LoadOrCreate(ctx, meta("sess-1")); err != nil {
		t.Fatal(err)
	}

	updated := meta("sess-1")
	updated.Provider = "anthropic"
	updated.Model = "claude-3-5-sonnet-20241022"
	updated.WorkspaceDir = "/elsewhere"
	sess, err := s.LoadOrCreate(ctx, updated)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Meta.Provider != "anthropic" || sess.Meta.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("meta = %+v", sess.Meta)
	}
	if sess.Meta.WorkspaceDir != "/elsewhere" {
		t.Fatalf("WorkspaceDir = %q", sess.Meta.WorkspaceDir)
	}
}

func TestAppendInitializesMissingSession(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-fresh", agentspine.UserMessage("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := s.Snapshot(ctx, "sess-fresh")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.SessionID != "sess-fresh" || snap.Meta.CreatedAt == 0 {
		t.Fatalf("header = %+v, want initialized meta", snap.Meta)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "x" {
		t.Fatalf("messages = %+v", snap.Messages)
	}
}

func TestUpdateHeader(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.LoadOrCreate(ctx, meta("sess-1")); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateHeader(ctx, "sess-1", func(m *agentspine.SessionMeta) {
		m.Usage.Add(agentspine.Usage{InputTokens: 100, OutputTokens: 40})
		m.UpdatedAt = agentspine.NowUnix()
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.Usage.InputTokens != 100 || snap.Meta.Usage.TotalTokens != 140 {
		t.Fatalf("usage = %+v", snap.Meta.Usage)
	}
}

func TestReplacePrefix(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.LoadOrCreate(ctx, meta("sess-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "sess-1",
		agentspine.UserMessage("one"),
		agentspine.AssistantMessage("two"),
		agentspine.UserMessage("three"),
		agentspine.AssistantMessage("four"),
	); err != nil {
		t.Fatal(err)
	}

	summary := agentspine.AssistantMessage("[Compacted conversation summary]\n- earlier chatter")
	summary.Source = agentspine.SourceCompaction
	if err := s.ReplacePrefix(ctx, "sess-1", 2, summary); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(snap.Messages))
	}
	if snap.Messages[0].Source != agentspine.SourceCompaction {
		t.Fatalf("head = %+v, want compaction summary", snap.Messages[0])
	}
	if snap.Messages[1].Content != "three" || snap.Messages[2].Content != "four" {
		t.Fatalf("tail = %+v", snap.Messages[1:])
	}
}

func TestReplacePrefixOutOfRange(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.LoadOrCreate(ctx, meta("sess-1")); err != nil {
		t.Fatal(err)
	}
	err := s.ReplacePrefix(ctx, "sess-1", 5, agentspine.AssistantMessage("s"))
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("error = %v", err)
	}
}

func TestSessionIDValidation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"", "../escape", "a/b", ".hidden", "spaced id"} {
		if _, err := s.LoadOrCreate(ctx, agentspine.SessionMeta{SessionID: id}); err == nil {
			t.Errorf("LoadOrCreate(%q) accepted invalid id", id)
		}
	}
	if _, err := s.LoadOrCreate(ctx, meta("ok-id_1.2")); err != nil {
		t.Errorf("LoadOrCreate rejected valid id: %v", err)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := New(dir)
	if _, err := s1.LoadOrCreate(ctx, meta("sess-1")); err != nil {
		t.Fatal(err)
	}
	msg := agentspine.AssistantMessage("calling")
	msg.ToolCalls = []agentspine.ToolCall{{ID: "c1", Name: "work", Args: []byte(`{"k":"v"}`)}}
	if err := s1.Append(ctx, "sess-1", msg, agentspine.ToolResultMessage("c1", "work", "done")); err != nil {
		t.Fatal(err)
	}

	s2 := New(dir)
	snap, err := s2.Snapshot(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if len(snap.Messages[0].ToolCalls) != 1 || snap.Messages[0].ToolCalls[0].Name != "work" {
		t.Fatalf("tool calls = %+v", snap.Messages[0].ToolCalls)
	}
	if snap.Messages[1].ToolCallID != "c1" {
		t.Fatalf("tool result = %+v", snap.Messages[1])
	}
}

func TestSnapshotMissingSession(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Snapshot(context.Background(), "sess-nope"); err == nil {
		t.Fatal("Snapshot on missing session succeeded")
	}
}

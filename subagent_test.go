package agentspine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T, opts ...SubagentRegistryOption) *SubagentRegistry {
	t.Helper()
	return NewSubagentRegistry(filepath.Join(t.TempDir(), "subagents.json"), opts...)
}

func TestRegistrySpawnAndGet(t *testing.T) {
	r := newTestRegistry(t)

	rec, err := r.Spawn("sess-parent", "investigate the logs", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != SubagentQueued {
		t.Fatalf("status = %q, want queued", rec.Status)
	}
	if !strings.HasPrefix(rec.RunID, "subrun-") {
		t.Fatalf("RunID = %q", rec.RunID)
	}
	if !strings.HasPrefix(rec.ChildSessionID, "subsess-") {
		t.Fatalf("ChildSessionID = %q", rec.ChildSessionID)
	}
	if rec.Depth != 1 || rec.ParentSessionID != "sess-parent" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Events) != 1 || rec.Events[0].Type != "spawned" {
		t.Fatalf("events = %+v", rec.Events)
	}

	got, ok, err := r.Get(rec.RunID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Task != "investigate the logs" {
		t.Fatalf("Task = %q", got.Task)
	}

	if _, ok, err := r.Get("subrun-missing"); err != nil || ok {
		t.Fatalf("Get(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestRegistryListFiltersByParent(t *testing.T) {
	r := newTestRegistry(t)
	a1, _ := r.Spawn("sess-a", "task 1", 1)
	a2, _ := r.Spawn("sess-a", "task 2", 1)
	if _, err := r.Spawn("sess-b", "other", 1); err != nil {
		t.Fatal(err)
	}

	runs, err := r.List("sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("List = %d runs, want 2", len(runs))
	}
	if runs[0].RunID != a1.RunID || runs[1].RunID != a2.RunID {
		t.Fatalf("List order = %s, %s; want oldest first", runs[0].RunID, runs[1].RunID)
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	r := newTestRegistry(t)
	rec, _ := r.Spawn("sess-p", "work", 1)

	if err := r.SetRunning(rec.RunID); err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Get(rec.RunID)
	if got.Status != SubagentRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}

	if err := r.SetCompleted(rec.RunID, "all done"); err != nil {
		t.Fatal(err)
	}
	got, _, _ = r.Get(rec.RunID)
	if got.Status != SubagentCompleted || got.LastReply != "all done" {
		t.Fatalf("record = %+v", got)
	}

	// Terminal status is immutable: a late kill keeps completed.
	if err := r.SetCancelled(rec.RunID); err != nil {
		t.Fatal(err)
	}
	got, _, _ = r.Get(rec.RunID)
	if got.Status != SubagentCompleted {
		t.Fatalf("status after late cancel = %q, want completed", got.Status)
	}
	if got.LastError != "" {
		t.Fatalf("LastError rewritten on terminal run: %q", got.LastError)
	}
}

func TestRegistryCancelSetsDefaultError(t *testing.T) {
	r := newTestRegistry(t)
	rec, _ := r.Spawn("sess-p", "work", 1)
	if err := r.SetRunning(rec.RunID); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCancelled(rec.RunID); err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Get(rec.RunID)
	if got.Status != SubagentCancelled || got.LastError != "killed by request" {
		t.Fatalf("record = %+v", got)
	}
}

func TestRegistryTimedOut(t *testing.T) {
	r := newTestRegistry(t)
	rec, _ := r.Spawn("sess-p", "work", 1)
	if err := r.SetTimedOut(rec.RunID); err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Get(rec.RunID)
	if got.Status != SubagentTimedOut || got.LastError != "run timed out" {
		t.Fatalf("record = %+v", got)
	}
}

func TestRegistryFailedRecordsError(t *testing.T) {
	r := newTestRegistry(t)
	rec, _ := r.Spawn("sess-p", "work", 1)
	if err := r.SetFailed(rec.RunID, "provider exploded"); err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Get(rec.RunID)
	if got.Status != SubagentFailed || got.LastError != "provider exploded" {
		t.Fatalf("record = %+v", got)
	}
}

func TestRegistryUpdateUnknownRun(t *testing.T) {
	r := newTestRegistry(t)
	err := r.SetRunning("subrun-nope")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestRegistryNormalizesLegacyStatuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subagents.json")
	legacy := `[
		{"run_id":"subrun-1","parent_session_id":"p","status":"killed"},
		{"run_id":"subrun-2","parent_session_id":"p","status":"active"},
		{"run_id":"subrun-3","parent_session_id":"p","status":"something-new"}
	]`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewSubagentRegistry(path)

	runs, err := r.List("p")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"subrun-1": SubagentCancelled,
		"subrun-2": SubagentRunning,
		"subrun-3": SubagentQueued,
	}
	for _, rec := range runs {
		if rec.Status != want[rec.RunID] {
			t.Errorf("%s normalized to %q, want %q", rec.RunID, rec.Status, want[rec.RunID])
		}
	}
}

func TestRegistryEventCap(t *testing.T) {
	r := newTestRegistry(t, SubagentEventCap(5))
	rec, _ := r.Spawn("sess-p", "work", 1)
	for i := 0; i < 10; i++ {
		if err := r.AddEvent(rec.RunID, "progress"); err != nil {
			t.Fatal(err)
		}
	}
	got, _, _ := r.Get(rec.RunID)
	if len(got.Events) != 5 {
		t.Fatalf("events = %d, want capped at 5", len(got.Events))
	}
	// Oldest entries (including the spawn marker) were dropped.
	for _, ev := range got.Events {
		if ev.Type != "progress" {
			t.Fatalf("unexpected surviving event %q", ev.Type)
		}
	}
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subagents.json")
	r1 := NewSubagentRegistry(path)
	rec, err := r1.Spawn("sess-p", "durable", 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r1.SetCompleted(rec.RunID, "saved"); err != nil {
		t.Fatal(err)
	}

	r2 := NewSubagentRegistry(path)
	got, ok, err := r2.Get(rec.RunID)
	if err != nil || !ok {
		t.Fatalf("Get from fresh instance = %v, %v", ok, err)
	}
	if got.Status != SubagentCompleted || got.LastReply != "saved" || got.Depth != 2 {
		t.Fatalf("record = %+v", got)
	}
}

func TestRegistryEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subagents.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewSubagentRegistry(path)
	runs, err := r.List("anyone")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("List on empty file = %d runs", len(runs))
	}
}

package agentspine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingProvider parks every request until its context is cancelled.
type blockingProvider struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{})}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Complete(ctx context.Context, _ CompletionRequest) (CompletionResponse, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return CompletionResponse{}, ctx.Err()
}

// noteLink records parent notifications for assertions.
type noteLink struct {
	mu     sync.Mutex
	system []string
	notes  []string
}

func (l *noteLink) link() ParentLink {
	return ParentLink{
		SystemEvent: func(_ context.Context, text string) error {
			l.mu.Lock()
			l.system = append(l.system, text)
			l.mu.Unlock()
			return nil
		},
		AssistantNote: func(_ context.Context, text string) error {
			l.mu.Lock()
			l.notes = append(l.notes, text)
			l.mu.Unlock()
			return nil
		},
	}
}

func (l *noteLink) systemMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.system...)
}

func (l *noteLink) assistantNotes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.notes...)
}

func newChildForTest(t *testing.T, provider Provider, sessionID string) *Agent {
	t.Helper()
	agent, err := NewAgent(provider, newMemStore(),
		WithSessionID(sessionID),
		WithModel("test-model"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return agent
}

func TestRuntimeCompletesRun(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry)

	rec, err := registry.Spawn("sess-parent", "summarize", 1)
	if err != nil {
		t.Fatal(err)
	}
	provider := &scriptProvider{responses: []CompletionResponse{textResponse("summary ready")}}
	child := newChildForTest(t, provider, rec.ChildSessionID)

	link := &noteLink{}
	rt.Submit(child, rec, link.link())
	rt.Wait(rec.RunID)

	got, _, _ := registry.Get(rec.RunID)
	if got.Status != SubagentCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.LastReply != "summary ready" {
		t.Fatalf("LastReply = %q", got.LastReply)
	}

	sys := link.systemMessages()
	if len(sys) != 1 || !strings.Contains(sys[0], "completed in background") {
		t.Fatalf("system notifications = %v", sys)
	}
	if len(link.assistantNotes()) != 0 {
		t.Fatal("assistant note posted without announce option")
	}
	if rt.IsRunning(rec.RunID) {
		t.Fatal("job still registered after completion")
	}
}

func TestRuntimeAnnouncesCompletion(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry, SubagentAnnounceCompletion())

	rec, _ := registry.Spawn("sess-parent", "report", 1)
	provider := &scriptProvider{responses: []CompletionResponse{textResponse("the findings")}}
	child := newChildForTest(t, provider, rec.ChildSessionID)

	link := &noteLink{}
	rt.Submit(child, rec, link.link())
	rt.Wait(rec.RunID)

	notes := link.assistantNotes()
	if len(notes) != 1 {
		t.Fatalf("assistant notes = %v, want 1", notes)
	}
	if !strings.Contains(notes[0], rec.RunID) || !strings.Contains(notes[0], "the findings") {
		t.Fatalf("announce note = %q", notes[0])
	}
}

func TestRuntimeCancelMarksCancelled(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry)

	rec, _ := registry.Spawn("sess-parent", "long task", 1)
	provider := newBlockingProvider()
	child := newChildForTest(t, provider, rec.ChildSessionID)

	link := &noteLink{}
	rt.Submit(child, rec, link.link())
	<-provider.started

	if !rt.Cancel(rec.RunID) {
		t.Fatal("Cancel reported no active job")
	}
	rt.Wait(rec.RunID)

	got, _, _ := registry.Get(rec.RunID)
	if got.Status != SubagentCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	sys := link.systemMessages()
	if len(sys) != 1 || !strings.Contains(sys[0], "cancelled before completion") {
		t.Fatalf("system notifications = %v", sys)
	}

	if rt.Cancel(rec.RunID) {
		t.Fatal("Cancel on finished run reported an active job")
	}
}

func TestRuntimeTimeout(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry, SubagentRunTimeout(30*time.Millisecond))

	rec, _ := registry.Spawn("sess-parent", "slow task", 1)
	provider := newBlockingProvider()
	child := newChildForTest(t, provider, rec.ChildSessionID)

	link := &noteLink{}
	rt.Submit(child, rec, link.link())
	rt.Wait(rec.RunID)

	got, _, _ := registry.Get(rec.RunID)
	if got.Status != SubagentTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}
	if got.LastError != "run timed out" {
		t.Fatalf("LastError = %q", got.LastError)
	}
	sys := link.systemMessages()
	if len(sys) != 1 || !strings.Contains(sys[0], "timed out") {
		t.Fatalf("system notifications = %v", sys)
	}
}

func TestRuntimeFailedRun(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry)

	rec, _ := registry.Spawn("sess-parent", "doomed", 1)
	provider := &flakyProvider{failN: 100, err: &ErrHTTP{Status: 400, Body: "bad request"}}
	child := newChildForTest(t, provider, rec.ChildSessionID)

	link := &noteLink{}
	rt.Submit(child, rec, link.link())
	rt.Wait(rec.RunID)

	got, _, _ := registry.Get(rec.RunID)
	if got.Status != SubagentFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("LastError empty on failed run")
	}
	sys := link.systemMessages()
	if len(sys) != 1 || !strings.Contains(sys[0], "failed") {
		t.Fatalf("system notifications = %v", sys)
	}
}

func TestRuntimeWorkerCapQueuesRuns(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry, SubagentMaxWorkers(1))

	recA, _ := registry.Spawn("sess-parent", "first", 1)
	provA := newBlockingProvider()
	childA := newChildForTest(t, provA, recA.ChildSessionID)
	rt.Submit(childA, recA, ParentLink{})
	<-provA.started

	recB, _ := registry.Spawn("sess-parent", "second", 1)
	provB := &scriptProvider{responses: []CompletionResponse{textResponse("done")}}
	childB := newChildForTest(t, provB, recB.ChildSessionID)
	rt.Submit(childB, recB, ParentLink{})

	// B holds a job slot but no worker: it must still be queued.
	time.Sleep(30 * time.Millisecond)
	gotB, _, _ := registry.Get(recB.RunID)
	if gotB.Status != SubagentQueued {
		t.Fatalf("queued run status = %q, want queued", gotB.Status)
	}
	if !rt.IsRunning(recB.RunID) {
		t.Fatal("queued run lost its job entry")
	}

	// Freeing the worker lets B run to completion.
	rt.Cancel(recA.RunID)
	rt.Wait(recA.RunID)
	rt.Wait(recB.RunID)

	gotB, _, _ = registry.Get(recB.RunID)
	if gotB.Status != SubagentCompleted {
		t.Fatalf("second run status = %q, want completed", gotB.Status)
	}
}

func TestRuntimeCancelWhileQueued(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry, SubagentMaxWorkers(1))

	recA, _ := registry.Spawn("sess-parent", "occupier", 1)
	provA := newBlockingProvider()
	childA := newChildForTest(t, provA, recA.ChildSessionID)
	rt.Submit(childA, recA, ParentLink{})
	<-provA.started

	recB, _ := registry.Spawn("sess-parent", "never starts", 1)
	childB := newChildForTest(t, newBlockingProvider(), recB.ChildSessionID)
	link := &noteLink{}
	rt.Submit(childB, recB, link.link())

	if !rt.Cancel(recB.RunID) {
		t.Fatal("Cancel reported no job for queued run")
	}
	rt.Wait(recB.RunID)

	gotB, _, _ := registry.Get(recB.RunID)
	if gotB.Status != SubagentCancelled {
		t.Fatalf("status = %q, want cancelled", gotB.Status)
	}

	rt.Cancel(recA.RunID)
	rt.Wait(recA.RunID)
}

func TestRuntimeSteerReachesChild(t *testing.T) {
	registry := newTestRegistry(t)
	rt := NewSubagentRuntime(registry)

	rec, _ := registry.Spawn("sess-parent", "steerable", 1)
	provider := newBlockingProvider()
	child := newChildForTest(t, provider, rec.ChildSessionID)
	rt.Submit(child, rec, ParentLink{})
	<-provider.started

	if !rt.Steer(rec.RunID, "change course") {
		t.Fatal("Steer reported no active job")
	}

	rt.Cancel(rec.RunID)
	rt.Wait(rec.RunID)
	if rt.Steer(rec.RunID, "too late") {
		t.Fatal("Steer on finished run reported an active job")
	}
}

func TestRegistryCreatesFileOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "subagents.json")
	r := NewSubagentRegistry(path)
	if _, err := r.Spawn("sess-p", "task", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("registry file not created: %v", err)
	}
}

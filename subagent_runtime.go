package agentspine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SubagentRuntime executes subagent runs in the background with a bounded
// worker pool, per-run cancellation, and an optional wall-clock timeout.
// Registry bookkeeping and parent-session notifications happen here so the
// orchestration tools stay thin.
type SubagentRuntime struct {
	registry *SubagentRegistry

	mu   sync.Mutex
	jobs map[string]*subagentJob

	workers  chan struct{}
	timeout  time.Duration
	announce bool
	logger   *slog.Logger
}

type subagentJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	child  *Agent
}

// ParentLink delivers run outcomes back to the spawning session. Both
// callbacks are optional.
type ParentLink struct {
	// SystemEvent records an operator-visible note ("[System Message] ...")
	// in the parent session.
	SystemEvent func(ctx context.Context, text string) error
	// AssistantNote appends an assistant message to the parent session.
	// Used for completion announcements the parent model should act on.
	AssistantNote func(ctx context.Context, text string) error
}

func (p ParentLink) systemEvent(ctx context.Context, text string) error {
	if p.SystemEvent == nil {
		return nil
	}
	return p.SystemEvent(ctx, text)
}

// SubagentRuntimeOption configures a SubagentRuntime.
type SubagentRuntimeOption func(*SubagentRuntime)

// SubagentMaxWorkers bounds concurrent background runs (default 2).
func SubagentMaxWorkers(n int) SubagentRuntimeOption {
	return func(rt *SubagentRuntime) {
		if n < 1 {
			n = 1
		}
		rt.workers = make(chan struct{}, n)
	}
}

// SubagentRunTimeout caps each background run's wall-clock time. Zero
// (the default) disables the timeout.
func SubagentRunTimeout(d time.Duration) SubagentRuntimeOption {
	return func(rt *SubagentRuntime) { rt.timeout = d }
}

// SubagentAnnounceCompletion makes completed background runs post their
// reply into the parent session as an assistant message, so the parent
// model sees the result on its next round without polling.
func SubagentAnnounceCompletion() SubagentRuntimeOption {
	return func(rt *SubagentRuntime) { rt.announce = true }
}

// SubagentLogger sets the runtime's structured logger.
func SubagentLogger(l *slog.Logger) SubagentRuntimeOption {
	return func(rt *SubagentRuntime) { rt.logger = l }
}

// NewSubagentRuntime creates a runtime over the given registry.
func NewSubagentRuntime(registry *SubagentRegistry, opts ...SubagentRuntimeOption) *SubagentRuntime {
	rt := &SubagentRuntime{
		registry: registry,
		jobs:     make(map[string]*subagentJob),
		workers:  make(chan struct{}, 2),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Submit starts rec's task on child in the background. A job already
// registered under the same run ID is cancelled first.
func (rt *SubagentRuntime) Submit(child *Agent, rec SubagentRecord, parent ParentLink) {
	runCtx, cancel := context.WithCancel(context.Background())
	job := &subagentJob{cancel: cancel, done: make(chan struct{}), child: child}

	rt.mu.Lock()
	if prev, ok := rt.jobs[rec.RunID]; ok {
		prev.cancel()
	}
	rt.jobs[rec.RunID] = job
	rt.mu.Unlock()

	go rt.run(runCtx, job, child, rec, parent)
}

func (rt *SubagentRuntime) run(ctx context.Context, job *subagentJob, child *Agent, rec SubagentRecord, parent ParentLink) {
	defer close(job.done)
	defer func() {
		rt.mu.Lock()
		if rt.jobs[rec.RunID] == job {
			delete(rt.jobs, rec.RunID)
		}
		rt.mu.Unlock()
	}()

	// Wait for a worker slot; a kill while queued aborts before start.
	select {
	case rt.workers <- struct{}{}:
		defer func() { <-rt.workers }()
	case <-ctx.Done():
		rt.finishCancelled(rec, parent)
		return
	}

	if ctx.Err() != nil {
		rt.finishCancelled(rec, parent)
		return
	}

	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}

	if err := rt.registry.SetRunning(rec.RunID); err != nil {
		rt.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", err)
	}

	reply, err := child.Chat(ctx, rec.Task)
	switch {
	case err == nil:
		if rerr := rt.registry.SetCompleted(rec.RunID, reply); rerr != nil {
			rt.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
		}
		rt.notify(parent, "Subagent run="+rec.RunID+" completed in background.")
		if rt.announce && parent.AssistantNote != nil {
			note := "Subagent run=" + rec.RunID + " completed: " + truncate(reply, 400)
			if aerr := parent.AssistantNote(context.Background(), note); aerr != nil {
				rt.logger.Warn("announce failed", "run", rec.RunID, "error", aerr)
			}
		}
	case ctx.Err() == context.DeadlineExceeded:
		child.Cancel()
		if rerr := rt.registry.SetTimedOut(rec.RunID); rerr != nil {
			rt.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
		}
		rt.notify(parent, "Subagent run="+rec.RunID+" timed out.")
	case ctx.Err() != nil:
		rt.finishCancelled(rec, parent)
	default:
		if rerr := rt.registry.SetFailed(rec.RunID, err.Error()); rerr != nil {
			rt.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", rerr)
		}
		rt.notify(parent, "Subagent run="+rec.RunID+" failed: "+truncate(err.Error(), previewLen))
	}
}

func (rt *SubagentRuntime) finishCancelled(rec SubagentRecord, parent ParentLink) {
	if err := rt.registry.SetCancelled(rec.RunID); err != nil {
		rt.logger.Warn("subagent registry update failed", "run", rec.RunID, "error", err)
	}
	rt.notify(parent, "Subagent run="+rec.RunID+" cancelled before completion.")
}

func (rt *SubagentRuntime) notify(parent ParentLink, text string) {
	if err := parent.systemEvent(context.Background(), text); err != nil {
		rt.logger.Warn("parent notification failed", "error", err)
	}
}

// Cancel stops the run's background job, if any. The registry status is
// updated by the job itself as it unwinds; for jobs that already finished
// this is a no-op.
func (rt *SubagentRuntime) Cancel(runID string) bool {
	rt.mu.Lock()
	job, ok := rt.jobs[runID]
	rt.mu.Unlock()
	if !ok {
		return false
	}
	job.child.Cancel()
	job.cancel()
	return true
}

// Steer delivers text to a run's live child agent. False when the run has
// no active job.
func (rt *SubagentRuntime) Steer(runID, text string) bool {
	rt.mu.Lock()
	job, ok := rt.jobs[runID]
	rt.mu.Unlock()
	if !ok {
		return false
	}
	job.child.Steer(text)
	return true
}

// IsRunning reports whether the run has an active background job.
func (rt *SubagentRuntime) IsRunning(runID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.jobs[runID]
	return ok
}

// Wait blocks until the run's job finishes, or returns immediately when
// there is none. Intended for tests and shutdown.
func (rt *SubagentRuntime) Wait(runID string) {
	rt.mu.Lock()
	job, ok := rt.jobs[runID]
	rt.mu.Unlock()
	if ok {
		<-job.done
	}
}

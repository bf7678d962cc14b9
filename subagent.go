package agentspine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Subagent run statuses.
const (
	SubagentQueued    = "queued"
	SubagentRunning   = "running"
	SubagentCompleted = "completed"
	SubagentFailed    = "failed"
	SubagentCancelled = "cancelled"
	SubagentTimedOut  = "timed_out"
)

// defaultSubagentEventCap bounds the per-run event tail kept in the
// registry file.
const defaultSubagentEventCap = 256

// SubagentEvent is one timeline entry on a run.
type SubagentEvent struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

// SubagentRecord is the persisted state of one subagent run.
type SubagentRecord struct {
	RunID           string          `json:"run_id"`
	ChildSessionID  string          `json:"child_session_id"`
	ParentSessionID string          `json:"parent_session_id"`
	Task            string          `json:"task"`
	Status          string          `json:"status"`
	Depth           int             `json:"depth"`
	LastReply       string          `json:"last_reply,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
	Events          []SubagentEvent `json:"events,omitempty"`
}

// SubagentRegistry persists subagent run state as a single JSON array
// file. Every mutation rewrites the file atomically (tmp + rename) so a
// crash never leaves a torn registry. Methods are safe for concurrent use
// within one process; the file is not a cross-process lock.
type SubagentRegistry struct {
	mu       sync.Mutex
	path     string
	eventCap int
}

// SubagentRegistryOption configures a SubagentRegistry.
type SubagentRegistryOption func(*SubagentRegistry)

// SubagentEventCap bounds the per-run event tail (default 256). Older
// events are dropped oldest-first.
func SubagentEventCap(n int) SubagentRegistryOption {
	return func(r *SubagentRegistry) {
		if n > 0 {
			r.eventCap = n
		}
	}
}

// NewSubagentRegistry opens (or will create on first write) the registry
// file at path.
func NewSubagentRegistry(path string, opts ...SubagentRegistryOption) *SubagentRegistry {
	r := &SubagentRegistry{path: path, eventCap: defaultSubagentEventCap}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn creates a queued run owned by parentSessionID and persists it.
func (r *SubagentRegistry) Spawn(parentSessionID, task string, depth int) (SubagentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return SubagentRecord{}, err
	}
	now := NowUnix()
	rec := SubagentRecord{
		RunID:           NewRunID(),
		ChildSessionID:  NewChildSessionID(),
		ParentSessionID: parentSessionID,
		Task:            task,
		Status:          SubagentQueued,
		Depth:           depth,
		CreatedAt:       now,
		UpdatedAt:       now,
		Events:          []SubagentEvent{{Type: "spawned", At: now}},
	}
	records = append(records, rec)
	if err := r.save(records); err != nil {
		return SubagentRecord{}, err
	}
	return rec, nil
}

// Get returns the record for runID.
func (r *SubagentRegistry) Get(runID string) (SubagentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return SubagentRecord{}, false, err
	}
	for _, rec := range records {
		if rec.RunID == runID {
			return rec, true, nil
		}
	}
	return SubagentRecord{}, false, nil
}

// List returns all runs owned by parentSessionID, oldest first.
func (r *SubagentRegistry) List(parentSessionID string) ([]SubagentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []SubagentRecord
	for _, rec := range records {
		if rec.ParentSessionID == parentSessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetRunning marks the run as running.
func (r *SubagentRegistry) SetRunning(runID string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		rec.Status = SubagentRunning
		r.appendEvent(rec, "started")
	})
}

// SetCompleted records the final reply and marks the run completed.
func (r *SubagentRegistry) SetCompleted(runID, reply string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		rec.Status = SubagentCompleted
		rec.LastReply = reply
		rec.LastError = ""
		r.appendEvent(rec, "completed")
	})
}

// SetFailed records the error and marks the run failed.
func (r *SubagentRegistry) SetFailed(runID, errText string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		rec.Status = SubagentFailed
		rec.LastError = errText
		r.appendEvent(rec, "failed")
	})
}

// SetCancelled marks the run cancelled. Terminal runs keep their status
// so a late kill cannot rewrite history.
func (r *SubagentRegistry) SetCancelled(runID string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		if isTerminalSubagentStatus(rec.Status) {
			return
		}
		rec.Status = SubagentCancelled
		if rec.LastError == "" {
			rec.LastError = "killed by request"
		}
		r.appendEvent(rec, "cancelled")
	})
}

// SetTimedOut marks the run timed out.
func (r *SubagentRegistry) SetTimedOut(runID string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		if isTerminalSubagentStatus(rec.Status) {
			return
		}
		rec.Status = SubagentTimedOut
		rec.LastError = "run timed out"
		r.appendEvent(rec, "timed_out")
	})
}

// AddEvent appends a timeline entry to the run.
func (r *SubagentRegistry) AddEvent(runID, eventType string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		r.appendEvent(rec, eventType)
	})
}

// UpdateReply records a reply without changing the status (used by
// synchronous steering of an idle subagent).
func (r *SubagentRegistry) UpdateReply(runID, reply string) error {
	return r.update(runID, func(rec *SubagentRecord) {
		rec.LastReply = reply
		r.appendEvent(rec, "steered")
	})
}

func isTerminalSubagentStatus(s string) bool {
	switch s {
	case SubagentCompleted, SubagentFailed, SubagentCancelled, SubagentTimedOut:
		return true
	}
	return false
}

func (r *SubagentRegistry) appendEvent(rec *SubagentRecord, eventType string) {
	rec.Events = append(rec.Events, SubagentEvent{Type: eventType, At: NowUnix()})
	if len(rec.Events) > r.eventCap {
		rec.Events = rec.Events[len(rec.Events)-r.eventCap:]
	}
}

func (r *SubagentRegistry) update(runID string, mutate func(*SubagentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].RunID == runID {
			mutate(&records[i])
			records[i].UpdatedAt = NowUnix()
			return r.save(records)
		}
	}
	return fmt.Errorf("subagent run %s not found", runID)
}

// load reads and normalizes the registry file. Caller holds r.mu.
func (r *SubagentRegistry) load() ([]SubagentRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subagent registry: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []SubagentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse subagent registry: %w", err)
	}
	for i := range records {
		records[i].Status = normalizeSubagentStatus(records[i].Status)
	}
	return records, nil
}

// normalizeSubagentStatus maps legacy and unknown status values onto the
// current vocabulary.
func normalizeSubagentStatus(s string) string {
	switch s {
	case SubagentQueued, SubagentRunning, SubagentCompleted,
		SubagentFailed, SubagentCancelled, SubagentTimedOut:
		return s
	case "killed":
		return SubagentCancelled
	case "active":
		return SubagentRunning
	default:
		return SubagentQueued
	}
}

// save writes the registry atomically. Caller holds r.mu.
func (r *SubagentRegistry) save(records []SubagentRecord) error {
	if records == nil {
		records = []SubagentRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subagent registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".subagents-*.json")
	if err != nil {
		return fmt.Errorf("create registry temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write registry temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync registry temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close registry temp: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Package agentspine is a reactive agent runtime for Go.
//
// It drives multi-turn conversations between an LLM provider and a set of
// executable tools, persisting each conversation as an isolated session.
// The core building blocks are the per-session reactive loop, a lane queue
// that serializes work per session while bounding global concurrency, a
// steering protocol that can preempt in-flight tool batches, a context
// manager that keeps histories within a budget, a typed lifecycle event
// stream, and a subagent registry that spawns and supervises child sessions.
//
// # Quick Start
//
//	store := jsonl.New("sessions")
//	agent, err := agentspine.NewAgent(provider, store,
//		agentspine.WithModel("gpt-4o"),
//		agentspine.WithWorkspaceDir("/work"),
//		agentspine.WithTools(file.New("/work"), shell.New("/work")),
//		agentspine.WithEventSink(func(ev agentspine.Event) { ... }),
//	)
//	reply, err := agent.Chat(ctx, "list the files in the workspace")
//
// While a run is in flight, callers can interrupt it:
//
//	agent.Steer("stop, check the README first")   // preempts the tool batch
//	agent.FollowUp("now summarize what you found") // fires when the run ends
//	agent.Cancel()
//
// # Core Interfaces
//
//   - [Provider] — LLM backend (one Complete call per round, optional streaming)
//   - [SessionStore] — per-session append-only journal (store/jsonl, store/sqlite, store/postgres)
//   - [Tool] — pluggable capability for LLM function calling
//   - [EventSink] — lifecycle event consumer
//   - [Tracer] — optional span capability (observer package provides OTEL)
//
// See cmd/agentspine for a complete interactive CLI.
package agentspine

// Package haven is an agent runtime core for building LLM-driven agents in Go.
//
// It provides the pieces an agentic application loops over: a turn-based
// interaction engine, a tool registry with per-request selection, a parallel
// tool executor that resolves data dependencies between calls in one batch,
// a structured stream parser for incremental tool-call and JSON assembly,
// and serializable run snapshots for human-in-the-loop pauses.
//
// # Quick Start
//
// Define an agent and run it against a transport:
//
//	registry := haven.NewToolRegistry()
//	registry.Declare(haven.NewTool("lookup_order", "Fetch an order by id.",
//		orderSchema, lookupOrder))
//
//	eng, err := haven.New(haven.AgentDefinition{
//		Name:         "support",
//		Instructions: "You are a support agent for an online store.",
//		Model:        "gpt-4.1-mini",
//		Registry:     registry,
//	}, haven.WithRetry(openaicompat.New(baseURL, apiKey)))
//
//	res := eng.Interact(ctx, "Where is order 4711?")
//	if res.Status == haven.StatusOK {
//		fmt.Println(res.Output)
//	}
//
// # Core Surface
//
// The root package defines the contracts all components implement:
//
//   - [Engine] — runs one [AgentDefinition] against a [Transport]; stateless between runs
//   - [Transport] — LLM backend (request/response and chunked streaming)
//   - [Tool] — pluggable capability offered to the LLM, executed through the plan executor
//   - [Guardrail] — input/output validation with pass, transform, and reject verdicts
//   - [Memory] — long-lived key/value and search storage surfaced as memory_* tools
//   - [SnapshotStore] — persistence for paused runs awaiting confirmation
//   - [EventSink], [Tracer] — run lifecycle observability
//
// Runs never panic across the public surface and never return bare errors:
// every outcome is a [RunResult] whose Status is ok, error, paused, or
// handoff.
//
// # Included Implementations
//
// Transports: transport/openaicompat (OpenAI-compatible chat completion APIs).
// Snapshot stores: store/sqlite (embedded), store/postgres (pgx pool).
// Observability: observer (OpenTelemetry traces, metrics, logs, and an event sink).
// Configuration: blueprint (TOML agent definitions with env expansion).
// Approval UIs: review (paused-run snapshots rendered to HTML).
package haven

package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Engine defaults. Each is overridable per engine via Option.
const (
	defaultMaxTurns          = 10
	defaultMaxBatchSize      = 64
	defaultMaxSubAgentDepth  = 8
	defaultStreamIdleTimeout = 120 * time.Second
	defaultToolTimeout       = 60 * time.Second
	defaultStructuredRetries = 1
	defaultCriticRetries     = 1
)

// AgentDefinition is the pure behavioral description of an agent. It carries
// no live connections and no mutable state, so one definition may back any
// number of concurrent runs; two engines built from equal definitions are
// interchangeable.
type AgentDefinition struct {
	// Name identifies the agent in telemetry, snapshots, and handoffs.
	Name string
	// Instructions is the system prompt assembled into every LLM request.
	Instructions string
	// Model names the model the transport should use.
	Model string
	// MaxTurns bounds loop iterations per run. Zero means the default (10).
	MaxTurns int
	// Registry holds the agent's tools. Nil means no tools.
	Registry *ToolRegistry
	// InputGuardrails run over user input before the first LLM call.
	InputGuardrails []Guardrail
	// OutputGuardrails run over the final output before it is returned.
	OutputGuardrails []Guardrail
	// Handoffs declares targets this agent may transfer control to.
	Handoffs []HandoffSpec
	// SubAgents exposes other engines as callable tools.
	SubAgents []SubAgentSpec
	// Memory, when set, adds the memory_get/put/search tools.
	Memory Memory
	// OutputSchema, when set, switches the run to structured output: the
	// final text must be a JSON document validating against this schema.
	OutputSchema json.RawMessage
	// Critic, when set, reviews candidate text outputs before they become
	// final.
	Critic *CriticSpec

	// Generation parameters forwarded to the transport.
	Temperature float64
	MaxTokens   int
}

// HandoffSpec declares one handoff target. The engine synthesizes a
// handoff_to_<target> pseudo-tool from it; when the LLM calls that tool the
// run ends with StatusHandoff and the transferred context.
type HandoffSpec struct {
	// Target is the receiving agent's name.
	Target string
	// Trigger tells the LLM when the transfer is appropriate.
	Trigger string
	// KeepTurns carries the turn counter into the target's run. Default
	// false: the target starts from turn zero.
	KeepTurns bool
}

// SubAgentSpec exposes another engine as a tool named invoke_<name>.
type SubAgentSpec struct {
	// Engine is the nested agent.
	Engine *Engine
	// Description overrides the tool description shown to the LLM.
	Description string
	// ShareContext runs the sub-agent over the parent's live context, so
	// both transcripts interleave. Default false: the sub-agent gets an
	// isolated context seeded with the task text.
	ShareContext bool
}

// CriticSpec configures reflection: a second, isolated LLM call that reviews
// each candidate text output and may send it back for revision.
type CriticSpec struct {
	// Instructions is the critic's system prompt.
	Instructions string
	// Model overrides the producer's model for critic calls. Empty reuses it.
	Model string
	// MaxRetries bounds revision round-trips. Zero means the default (1).
	MaxRetries int
}

// RunStatus is the terminal disposition of a run.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusPaused  RunStatus = "paused"
	StatusHandoff RunStatus = "handoff"
)

// RunResult is the single value every run produces. The engine never panics
// across its surface and never returns a bare error for run-level failures:
// inspect Status and Error.
type RunResult struct {
	Status RunStatus
	// Output is the final assistant text (possibly guardrail-transformed).
	Output string
	// Structured is the validated JSON document when the agent declares an
	// output schema.
	Structured json.RawMessage
	// Error is set when Status is StatusError.
	Error *RunError
	// Context is the run's conversation state, usable for follow-up
	// interactions via WithRunContext.
	Context *RunContext
	// Snapshot is set when Status is StatusPaused.
	Snapshot *RunSnapshot
	// Handoff is set when Status is StatusHandoff.
	Handoff *HandoffRecord
	// Telemetry aggregates the run's counters.
	Telemetry RunTelemetry
}

// runConfig collects per-run settings.
type runConfig struct {
	rc    *RunContext
	state map[string]any
	depth int
	turn  int // starting turn (handoff with KeepTurns)
}

// RunOption customizes one run.
type RunOption func(*runConfig)

// WithRunContext continues an existing conversation instead of starting a
// fresh one. The context must not be shared with another in-flight run.
func WithRunContext(rc *RunContext) RunOption {
	return func(c *runConfig) { c.rc = rc }
}

// WithState seeds a key in the run's state map (userId, sessionId, ...).
func WithState(key string, value any) RunOption {
	return func(c *runConfig) {
		if c.state == nil {
			c.state = make(map[string]any)
		}
		c.state[key] = value
	}
}

func buildRunConfig(opts []RunOption) runConfig {
	var c runConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// engineConfig is the engine-level knob set, distinct from the agent
// definition: these tune the machine, not the behavior.
type engineConfig struct {
	logger            *slog.Logger
	tracer            Tracer
	sink              EventSink
	window            WindowPolicy
	maxBatch          int
	maxDepth          int
	maxParallel       int
	streamIdle        time.Duration
	toolTimeout       time.Duration
	structuredRetries int
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithLogger sets the structured logger. Default: all output discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithTracer enables span emission around runs, LLM calls, and tools.
func WithTracer(t Tracer) Option {
	return func(c *engineConfig) { c.tracer = t }
}

// WithEventSink receives the run lifecycle events. Delivery is bounded and
// never blocks the loop; a slow sink loses oldest events first.
func WithEventSink(s EventSink) Option {
	return func(c *engineConfig) { c.sink = s }
}

// WithWindowPolicy bounds the message log sent to the LLM. Default: the
// full log.
func WithWindowPolicy(p WindowPolicy) Option {
	return func(c *engineConfig) { c.window = p }
}

// WithMaxBatchSize caps tool calls per batch (default 64).
func WithMaxBatchSize(n int) Option {
	return func(c *engineConfig) { c.maxBatch = n }
}

// WithMaxSubAgentDepth caps sub-agent nesting (default 8).
func WithMaxSubAgentDepth(n int) Option {
	return func(c *engineConfig) { c.maxDepth = n }
}

// WithMaxParallelTools caps concurrent tool executions within a wave.
// Default 0: unbounded within the wave.
func WithMaxParallelTools(n int) Option {
	return func(c *engineConfig) { c.maxParallel = n }
}

// WithStreamIdleTimeout bounds the silence between stream chunks before the
// call fails with llm_stream_timeout (default 120s).
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.streamIdle = d }
}

// WithDefaultToolTimeout sets the default per-execution tool deadline
// (default 60s); a tool's own Timeout declaration wins.
func WithDefaultToolTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.toolTimeout = d }
}

// WithStructuredRetries sets how many reflective retries a structured run
// gets when the output fails to parse or validate (default 1).
func WithStructuredRetries(n int) Option {
	return func(c *engineConfig) { c.structuredRetries = n }
}

func buildEngineConfig(opts []Option) engineConfig {
	c := engineConfig{
		maxBatch:          defaultMaxBatchSize,
		maxDepth:          defaultMaxSubAgentDepth,
		streamIdle:        defaultStreamIdleTimeout,
		toolTimeout:       defaultToolTimeout,
		structuredRetries: defaultStructuredRetries,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Engine executes an agent definition against a transport. It is stateless
// between runs; every per-run value lives on the runner. Safe for concurrent
// use.
type Engine struct {
	def       AgentDefinition
	transport Transport
	cfg       engineConfig

	// synthetic holds the engine-made tools: handoff pseudo-tools,
	// invoke_* sub-agent tools, memory_* tools.
	synthetic *ToolRegistry
	// handoffs maps pseudo-tool name to its spec for loop interception.
	handoffs map[string]HandoffSpec

	// outputSchema is the compiled form of def.OutputSchema, nil when the
	// agent is unstructured.
	outputSchema *jsonschema.Schema

	executor *planExecutor
}

// New builds an engine from a definition and a transport. Configuration
// errors (empty name, nil transport, duplicate synthetic tool names, bad
// output schema) surface here, never mid-run.
func New(def AgentDefinition, transport Transport, opts ...Option) (*Engine, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("haven: agent definition needs a name")
	}
	if transport == nil {
		return nil, fmt.Errorf("haven: engine needs a transport")
	}
	if def.MaxTurns <= 0 {
		def.MaxTurns = defaultMaxTurns
	}

	e := &Engine{
		def:       def,
		transport: transport,
		cfg:       buildEngineConfig(opts),
		handoffs:  make(map[string]HandoffSpec),
	}

	e.synthetic = NewToolRegistry()
	for _, h := range def.Handoffs {
		if h.Target == "" {
			return nil, fmt.Errorf("haven: handoff with empty target")
		}
		tool := handoffTool(h)
		if err := e.synthetic.Declare(tool); err != nil {
			return nil, err
		}
		e.handoffs[tool.Declaration().Name] = h
	}
	for _, s := range def.SubAgents {
		if s.Engine == nil {
			return nil, fmt.Errorf("haven: sub-agent spec with nil engine")
		}
		if err := e.synthetic.Declare(subAgentTool(e, s)); err != nil {
			return nil, err
		}
	}
	if def.Memory != nil {
		if err := e.synthetic.Declare(memoryTools()...); err != nil {
			return nil, err
		}
	}

	if len(def.OutputSchema) > 0 {
		compiled, err := compileSchema(def.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("haven: output schema: %w", err)
		}
		e.outputSchema = compiled
	}

	e.executor = &planExecutor{
		lookup:      e.lookupTool,
		logger:      e.cfg.logger,
		tracer:      e.cfg.tracer,
		maxParallel: e.cfg.maxParallel,
		toolTimeout: e.cfg.toolTimeout,
	}
	return e, nil
}

// Definition returns a copy of the engine's agent definition.
func (e *Engine) Definition() AgentDefinition { return e.def }

// Name returns the agent name.
func (e *Engine) Name() string { return e.def.Name }

// lookupTool resolves a call name against the synthetic tools first, then
// the agent's registry.
func (e *Engine) lookupTool(name string) (*registryEntry, bool) {
	if entry, ok := e.synthetic.entry(name); ok {
		return entry, true
	}
	if e.def.Registry == nil {
		return nil, false
	}
	return e.def.Registry.entry(name)
}

// selectTools assembles the tool declarations for one request: the agent's
// registry selection for the query plus every synthetic tool.
func (e *Engine) selectTools(ctx context.Context, query string) ([]ToolDeclaration, error) {
	var out []ToolDeclaration
	if e.def.Registry != nil {
		selected, err := e.def.Registry.Select(ctx, query)
		if err != nil {
			return nil, err
		}
		out = append(out, selected...)
	}
	out = append(out, e.synthetic.Declarations()...)
	return out, nil
}

// Interact runs the agent to completion over input and blocks for the
// result.
func (e *Engine) Interact(ctx context.Context, input string, opts ...RunOption) *RunResult {
	return e.execute(ctx, input, StreamHandler{}, buildRunConfig(opts))
}

// InteractStream runs the agent in the background, delivering text deltas,
// tool calls, and results to h as they happen. The returned handle awaits
// the final result.
func (e *Engine) InteractStream(ctx context.Context, input string, h StreamHandler, opts ...RunOption) *RunHandle {
	return e.spawn(ctx, input, h, buildRunConfig(opts))
}

// Start runs the agent in the background without streaming callbacks.
func (e *Engine) Start(ctx context.Context, input string, opts ...RunOption) *RunHandle {
	return e.spawn(ctx, input, StreamHandler{}, buildRunConfig(opts))
}

// snakeCase lowercases a name and collapses non-alphanumeric runs into
// single underscores: "Billing Support" → "billing_support".
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}

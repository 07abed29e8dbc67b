package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// maxToolResultMessageLen caps how much of one tool result payload enters
// the transcript. Oversized payloads are truncated with a marker; the LLM
// sees enough to act on, the window stays bounded.
const maxToolResultMessageLen = 100_000

// runner carries one run's mutable state. The engine itself stays
// stateless; everything here dies with the run.
type runner struct {
	e   *Engine
	rc  *RunContext
	h   StreamHandler
	tel *telemetry

	runID string
	depth int

	started       time.Time
	usage         Usage
	llmCalls      int
	toolCalls     int
	structRetries int
	criticRounds  int
}

func (e *Engine) newRunner(cfg runConfig, h StreamHandler) *runner {
	rc := cfg.rc
	if rc == nil {
		rc = NewRunContext()
	}
	for k, v := range cfg.state {
		rc.Set(k, v)
	}
	if cfg.turn > 0 {
		rc.setTurn(cfg.turn)
	}
	if e.def.Memory != nil && rc.Memory() == nil {
		rc.attachMemory(&serialMemory{inner: e.def.Memory})
	}
	runID := NewID()
	return &runner{
		e:       e,
		rc:      rc,
		h:       h,
		tel:     newTelemetry(e.cfg.sink, runID, e.def.Name),
		runID:   runID,
		depth:   cfg.depth,
		started: time.Now(),
	}
}

// execute is the synchronous entry behind Interact and the background
// handle: guard the input, then iterate until a terminal state.
func (e *Engine) execute(ctx context.Context, input string, h StreamHandler, cfg runConfig) *RunResult {
	r := e.newRunner(cfg, h)
	defer r.tel.close()

	var span Span
	if e.cfg.tracer != nil {
		ctx, span = e.cfg.tracer.Start(ctx, "agent.run",
			StringAttr("agent.name", e.def.Name),
			StringAttr("agent.model", e.def.Model))
		defer span.End()
	}

	r.tel.emit(EventRunStart, map[string]any{"depth": r.depth})
	e.cfg.logger.Info("run started", "agent", e.def.Name, "run_id", r.runID)

	res := r.interact(ctx, input)
	if span != nil {
		span.SetAttr(StringAttr("run.status", string(res.Status)))
		if res.Error != nil {
			span.Error(res.Error)
		}
	}
	return res
}

func (r *runner) interact(ctx context.Context, input string) *RunResult {
	text, rail, verdict := runGuardrails(ctx, r.e.def.InputGuardrails, input, r.rc)
	if verdict != nil && verdict.Action == VerdictReject {
		rejected := UserMessage(input)
		rejected.Meta = map[string]string{"guardrail": "rejected"}
		r.rc.Append(rejected)
		r.tel.emit(EventGuardrailReject, map[string]any{"guardrail": rail, "stage": "input", "reason": verdict.Reason})
		return r.seal(&RunResult{
			Status: StatusError,
			Error:  runErrorf(ErrKindInputGuardrail, "input rejected by %s guardrail: %s", rail, verdict.Reason),
		})
	}
	r.rc.Append(UserMessage(text))
	return r.loop(ctx)
}

// loop is one run's state machine: each pass assembles a payload, calls the
// LLM through the stream parser, and classifies the outcome. It exits on a
// terminal text turn, a pause, a handoff, a budget violation, or an error.
func (r *runner) loop(ctx context.Context) *RunResult {
	for {
		if err := ctx.Err(); err != nil {
			return r.seal(&RunResult{Status: StatusError, Error: wrapRunError(ErrKindCanceled, err, "run canceled")})
		}
		if r.rc.Turn() >= r.e.def.MaxTurns {
			return r.seal(&RunResult{
				Status: StatusError,
				Error:  runErrorf(ErrKindMaxTurns, "turn limit %d reached without a final response", r.e.def.MaxTurns),
			})
		}
		turn := r.rc.advanceTurn()
		r.tel.emit(EventTurnStart, map[string]any{"turn": turn})

		resp, structuredDoc, rerr := r.callLLM(ctx)
		if rerr != nil {
			return r.seal(&RunResult{Status: StatusError, Error: rerr})
		}

		if len(resp.ToolCalls) > 0 {
			if res := r.toolTurn(ctx, resp); res != nil {
				return res
			}
			continue
		}
		if res := r.textTurn(ctx, resp, structuredDoc); res != nil {
			return res
		}
	}
}

// callLLM assembles the request, streams it through the parser, and guards
// the stream with an idle watchdog. It returns the assembled response and,
// in structured mode, the final parsed document (nil when parsing failed;
// the text turn owns the retry policy).
func (r *runner) callLLM(ctx context.Context) (*ModelResponse, json.RawMessage, *RunError) {
	tools, err := r.e.selectTools(ctx, r.lastUserText())
	if err != nil {
		return nil, nil, wrapRunError(ErrKindTransport, err, "tool selection failed: %v", err)
	}

	req := ModelRequest{
		Model:       r.e.def.Model,
		Messages:    r.assembleMessages(),
		Tools:       tools,
		Temperature: r.e.def.Temperature,
		MaxTokens:   r.e.def.MaxTokens,
	}
	if r.e.outputSchema != nil {
		req.OutputSchema = r.e.def.OutputSchema
	}

	r.llmCalls++
	r.tel.emit(EventLLMCallStart, map[string]any{"model": req.Model, "messages": len(req.Messages), "tools": len(req.Tools)})

	var popts []ParserOption
	if r.e.outputSchema != nil {
		popts = append(popts, StructuredMode())
	}
	parser := NewStreamParser(r.parserHandler(), popts...)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idleFired atomic.Bool
	idle := r.e.cfg.streamIdle
	var watchdog *time.Timer
	if idle > 0 {
		watchdog = time.AfterFunc(idle, func() {
			idleFired.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	transportResp, streamErr := r.e.transport.Stream(callCtx, req, func(c Chunk) error {
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		return parser.Feed(c)
	})
	if watchdog != nil {
		watchdog.Stop()
	}

	switch {
	case idleFired.Load():
		return nil, nil, runErrorf(ErrKindStreamTimeout, "no stream activity for %s", idle)
	case ctx.Err() != nil:
		return nil, nil, wrapRunError(ErrKindCanceled, ctx.Err(), "run canceled during LLM call")
	case streamErr != nil:
		return nil, nil, wrapRunError(ErrKindTransport, streamErr, "transport %s: %v", r.e.transport.Name(), streamErr)
	}
	if perr := parser.Err(); perr != nil {
		return nil, nil, perr
	}
	// Transports end a healthy stream with a response_complete chunk; give
	// one that returned cleanly without it the benefit of the doubt.
	if !parser.Done() {
		var usage *Usage
		if transportResp != nil {
			usage = &transportResp.Usage
		}
		if err := parser.Feed(Chunk{Kind: ChunkResponseComplete, Usage: usage}); err != nil {
			return nil, nil, wrapRunError(ErrKindTransport, err, "stream finalization failed")
		}
	}

	resp := parser.Response()
	r.usage.add(resp.Usage)
	r.tel.emit(EventLLMCallEnd, map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"tool_calls":    len(resp.ToolCalls),
	})
	r.e.cfg.logger.Debug("llm call finished",
		"run_id", r.runID,
		"tool_calls", len(resp.ToolCalls),
		"text_len", len(resp.Text))

	doc, _ := parser.Structured()
	return resp, doc, nil
}

// parserHandler forwards parser callbacks to the caller's handler. Tool
// results are not parser events; the tool turn emits those itself.
func (r *runner) parserHandler() StreamHandler {
	return StreamHandler{
		OnTextDelta:      r.h.OnTextDelta,
		OnToolCall:       r.h.OnToolCall,
		OnPartialJSON:    r.h.OnPartialJSON,
		OnParsedComplete: r.h.OnParsedComplete,
		OnError:          r.h.OnError,
	}
}

// assembleMessages builds the request transcript: the agent's instructions
// followed by the windowed run context.
func (r *runner) assembleMessages() []Message {
	window := r.rc.Window(r.e.cfg.window)
	msgs := make([]Message, 0, len(window)+1)
	if r.e.def.Instructions != "" {
		msgs = append(msgs, SystemMessage(r.e.def.Instructions))
	}
	return append(msgs, window...)
}

// lastUserText is the tool-selection query: the most recent user message.
func (r *runner) lastUserText() string {
	msgs := r.rc.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// toolTurn handles a response carrying tool calls. A nil return means the
// batch executed and the loop continues; otherwise the returned result is
// terminal (pause, handoff, or error).
func (r *runner) toolTurn(ctx context.Context, resp *ModelResponse) *RunResult {
	calls := resp.ToolCalls
	if len(calls) > r.e.cfg.maxBatch {
		return r.seal(&RunResult{
			Status: StatusError,
			Error:  runErrorf(ErrKindToolBadArgs, "batch of %d tool calls exceeds limit %d", len(calls), r.e.cfg.maxBatch),
		})
	}

	// A handoff call preempts the batch: control transfers, nothing else
	// from this turn executes.
	for _, call := range calls {
		if spec, ok := r.e.handoffs[call.Name]; ok {
			return r.handoff(call, spec)
		}
	}

	if confirm := r.confirmationGates(calls); len(confirm) > 0 {
		r.rc.Append(AssistantToolCalls(resp.Text, calls))
		snap := captureSnapshot(r.e.def.Name, r.rc, calls, confirm, nil)
		r.tel.emit(EventPause, map[string]any{"pending": len(calls), "snapshot_id": snap.ID})
		r.e.cfg.logger.Info("run paused for confirmation",
			"run_id", r.runID,
			"snapshot_id", snap.ID,
			"pending", len(calls))
		return r.seal(&RunResult{Status: StatusPaused, Snapshot: snap})
	}

	r.rc.Append(AssistantToolCalls(resp.Text, calls))
	results, rerr := r.executeBatch(ctx, calls, nil, nil)
	if rerr != nil {
		return r.seal(&RunResult{Status: StatusError, Error: rerr})
	}
	r.appendResults(results)
	return nil
}

// confirmationGates returns the IDs of batch calls whose tools require a
// human decision. Unknown tools never gate; they fail as results.
func (r *runner) confirmationGates(calls []ToolCall) map[string]bool {
	var gates map[string]bool
	for _, call := range calls {
		if entry, ok := r.e.lookupTool(call.Name); ok && entry.decl.RequiresConfirmation {
			if gates == nil {
				gates = make(map[string]bool)
			}
			gates[call.ID] = true
		}
	}
	return gates
}

func (r *runner) executeBatch(ctx context.Context, calls []ToolCall, prior map[string]ToolCallResult, decisions map[string]Decision) ([]ToolCallResult, *RunError) {
	plan, rerr := compilePlan(calls)
	if rerr != nil {
		return nil, rerr
	}
	r.toolCalls += len(calls)
	ctx = withRunDepth(ctx, r.depth)
	return r.e.executor.run(ctx, batchRun{
		plan:      plan,
		view:      r.rc.view(),
		prior:     prior,
		decisions: decisions,
		tel:       r.tel,
	})
}

// appendResults writes tool results to the transcript in batch order and
// mirrors them to the stream handler.
func (r *runner) appendResults(results []ToolCallResult) {
	for _, res := range results {
		msg := ToolResultMessage(res)
		msg.Content = truncateStr(msg.Content, maxToolResultMessageLen)
		r.rc.Append(msg)
		if r.h.OnToolResult != nil {
			r.h.OnToolResult(res)
		}
	}
}

// handoff ends this agent's portion of the run. The transcript gets the
// handoff marker; the caller (a Router, or the user directly) carries the
// context to the target agent.
func (r *runner) handoff(call ToolCall, spec HandoffSpec) *RunResult {
	var p struct {
		Reason string `json:"reason"`
	}
	if len(call.Args) > 0 {
		_ = json.Unmarshal(call.Args, &p)
	}
	r.rc.Append(HandoffMessage(spec.Target, p.Reason))
	rec := &HandoffRecord{Target: spec.Target, Reason: p.Reason}
	r.tel.emit(EventHandoff, map[string]any{"target": spec.Target, "reason": p.Reason})
	r.e.cfg.logger.Info("run handed off", "run_id", r.runID, "target", spec.Target)
	return r.seal(&RunResult{Status: StatusHandoff, Handoff: rec})
}

// textTurn handles a response with no tool calls: structured validation,
// then the critic, then output guardrails. A nil return re-enters the loop
// (structured retry or critic revision).
func (r *runner) textTurn(ctx context.Context, resp *ModelResponse, structuredDoc json.RawMessage) *RunResult {
	var structured json.RawMessage
	if r.e.outputSchema != nil {
		doc, verr := r.validateStructured(structuredDoc)
		if verr != nil {
			if r.structRetries < r.e.cfg.structuredRetries {
				r.structRetries++
				r.rc.Append(AssistantMessage(resp.Text))
				r.rc.Append(UserMessage("The previous response was not valid against the required output schema: " +
					verr.Message + ". Respond again with only the corrected JSON document."))
				return nil
			}
			return r.seal(&RunResult{Status: StatusError, Error: verr})
		}
		structured = doc
	}

	if revised := r.reviewByCritic(ctx, resp.Text); revised {
		return nil
	}

	r.rc.Append(AssistantMessage(resp.Text))

	output, rail, verdict := runGuardrails(ctx, r.e.def.OutputGuardrails, resp.Text, r.rc)
	if verdict != nil && verdict.Action == VerdictReject {
		r.tel.emit(EventGuardrailReject, map[string]any{"guardrail": rail, "stage": "output", "reason": verdict.Reason})
		return r.seal(&RunResult{
			Status: StatusError,
			Error:  runErrorf(ErrKindOutputGuardrail, "output rejected by %s guardrail: %s", rail, verdict.Reason),
		})
	}
	return r.seal(&RunResult{Status: StatusOK, Output: output, Structured: structured})
}

// validateStructured checks the parsed document against the output schema.
func (r *runner) validateStructured(doc json.RawMessage) (json.RawMessage, *RunError) {
	if doc == nil {
		return nil, runErrorf(ErrKindStructuredParse, "response is not a complete JSON document")
	}
	if err := validateJSON(r.e.outputSchema, doc); err != nil {
		return nil, wrapRunError(ErrKindStructuredParse, err, "response does not match output schema: %v", err)
	}
	return doc, nil
}

// reviewByCritic runs the configured critic over a candidate output. True
// means the critic sent it back and the loop should produce a revision.
func (r *runner) reviewByCritic(ctx context.Context, text string) bool {
	critic := r.e.def.Critic
	if critic == nil {
		return false
	}
	maxRetries := critic.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultCriticRetries
	}
	if r.criticRounds >= maxRetries {
		return false
	}
	// The critic call spends a turn; with the budget gone, the candidate
	// stands.
	if r.rc.Turn() >= r.e.def.MaxTurns {
		return false
	}
	r.rc.advanceTurn()

	model := critic.Model
	if model == "" {
		model = r.e.def.Model
	}
	req := ModelRequest{
		Model: model,
		Messages: []Message{
			SystemMessage(critic.Instructions + "\n\nReply with a single JSON object: " +
				`{"verdict": "approve" | "revise", "critique": "<what to fix>"}`),
			UserMessage(text),
		},
	}
	r.llmCalls++
	resp, err := r.e.transport.Complete(ctx, req)
	if err != nil {
		r.e.cfg.logger.Warn("critic call failed, accepting candidate output", "run_id", r.runID, "error", err)
		return false
	}
	r.usage.add(resp.Usage)

	var verdict struct {
		Verdict  string `json:"verdict"`
		Critique string `json:"critique"`
	}
	if uerr := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &verdict); uerr != nil || verdict.Verdict == "" {
		r.e.cfg.logger.Warn("critic verdict unparseable, accepting candidate output", "run_id", r.runID, "verdict", resp.Text)
		return false
	}
	if verdict.Verdict != "revise" {
		return false
	}

	r.criticRounds++
	r.rc.Append(AssistantMessage(text))
	r.rc.Append(UserMessage("A reviewer rejected that answer: " + verdict.Critique + "\nRevise your answer."))
	r.e.cfg.logger.Debug("critic requested revision", "run_id", r.runID, "round", r.criticRounds)
	return true
}

// seal finalizes a result: context, counters, run_end event, log line.
func (r *runner) seal(res *RunResult) *RunResult {
	res.Context = r.rc
	res.Telemetry = RunTelemetry{
		Turns:     r.rc.Turn(),
		LLMCalls:  r.llmCalls,
		ToolCalls: r.toolCalls,
		Usage:     r.usage,
		Elapsed:   time.Since(r.started),
	}
	r.tel.emit(EventRunEnd, map[string]any{"status": string(res.Status)})
	logger := r.e.cfg.logger
	switch res.Status {
	case StatusError:
		logger.Warn("run failed",
			"agent", r.e.def.Name,
			"run_id", r.runID,
			"kind", string(res.Error.Kind),
			"error", res.Error.Message)
	default:
		logger.Info("run finished",
			"agent", r.e.def.Name,
			"run_id", r.runID,
			"status", string(res.Status),
			"turns", res.Telemetry.Turns,
			"tool_calls", res.Telemetry.ToolCalls)
	}
	return res
}

// Resume continues a paused run from its snapshot. Every confirmation-gated
// pending call must carry a decision; rejected calls are skipped with the
// operator's note, the rest execute, and the loop runs on to a terminal
// state.
func (e *Engine) Resume(ctx context.Context, snap *RunSnapshot, opts ...RunOption) *RunResult {
	cfg := buildRunConfig(opts)
	if snap == nil {
		r := e.newRunner(cfg, StreamHandler{})
		defer r.tel.close()
		return r.seal(&RunResult{Status: StatusError, Error: runErrorf(ErrKindSnapshotVersion, "nil snapshot")})
	}

	// Gate on the wire format before touching any state.
	if rerr := snap.checkVersion(); rerr != nil {
		r := e.newRunner(cfg, StreamHandler{})
		defer r.tel.close()
		return r.seal(&RunResult{Status: StatusError, Error: rerr})
	}
	if snap.AgentID != e.def.Name {
		r := e.newRunner(cfg, StreamHandler{})
		defer r.tel.close()
		return r.seal(&RunResult{
			Status: StatusError,
			Error:  runErrorf(ErrKindSnapshotVersion, "snapshot belongs to agent %q, this engine runs %q", snap.AgentID, e.def.Name),
		})
	}

	cfg.rc = contextFromSnapshot(snap)
	r := e.newRunner(cfg, StreamHandler{})
	defer r.tel.close()

	var span Span
	if e.cfg.tracer != nil {
		ctx, span = e.cfg.tracer.Start(ctx, "agent.resume",
			StringAttr("agent.name", e.def.Name),
			StringAttr("snapshot.id", snap.ID))
		defer span.End()
	}
	r.tel.emit(EventResume, map[string]any{"snapshot_id": snap.ID, "pending": len(snap.PendingBatch)})
	e.cfg.logger.Info("run resumed", "agent", e.def.Name, "run_id", r.runID, "snapshot_id", snap.ID)

	if len(snap.PendingBatch) > 0 {
		if callID, ok := snap.Decided(); !ok {
			return r.seal(&RunResult{
				Status: StatusError,
				Error:  runErrorf(ErrKindDecisionMissing, "pending call %s requires a confirmation decision", callID),
			})
		}
		calls := make([]ToolCall, 0, len(snap.PendingBatch))
		decisions := make(map[string]Decision)
		for _, p := range snap.PendingBatch {
			calls = append(calls, p.Call)
			if p.Decision != nil {
				decisions[p.Call.ID] = *p.Decision
			}
		}
		results, rerr := r.executeBatch(ctx, calls, snap.PartialResults, decisions)
		if rerr != nil {
			return r.seal(&RunResult{Status: StatusError, Error: rerr})
		}
		r.appendResults(results)
	}

	res := r.loop(ctx)
	if span != nil && res.Error != nil {
		span.Error(res.Error)
	}
	return res
}

// truncateStr caps s at max bytes, marking the cut.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n…(truncated %d bytes)", len(s)-max)
}

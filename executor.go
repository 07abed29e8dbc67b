package haven

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// errFailFast aborts a wave when a fail_fast tool errors. The executor
// converts it back into skip markers; it never escapes.
var errFailFast = errors.New("fail_fast tool error")

// planExecutor runs compiled tool plans wave by wave. Calls within a wave
// execute concurrently; results land in the batch's original call order.
// One executor serves all of an engine's runs — it holds no per-run state.
type planExecutor struct {
	lookup      func(name string) (*registryEntry, bool)
	logger      *slog.Logger
	tracer      Tracer
	maxParallel int
	toolTimeout time.Duration
}

// batchRun is one invocation of the executor: the plan plus everything the
// run supplies — the context view tools read, results already present (from
// a resumed snapshot), operator decisions, and the run's telemetry.
type batchRun struct {
	plan      *toolPlan
	view      ContextView
	prior     map[string]ToolCallResult
	decisions map[string]Decision
	tel       *telemetry
}

// run executes the plan. Per-call failures become error or skipped results
// under each tool's error policy; the only run-level error is cancellation.
func (x *planExecutor) run(ctx context.Context, b batchRun) ([]ToolCallResult, *RunError) {
	done := make(map[string]ToolCallResult, len(b.plan.order))
	for id, r := range b.prior {
		done[id] = r
	}
	skipReason := make(map[string]string)
	abortReason := ""

	// Operator rejections turn into skips before anything runs, and
	// propagate to every dependent.
	for _, id := range b.plan.order {
		d, ok := b.decisions[id]
		if !ok || d.Approved {
			continue
		}
		reason := d.Note
		if reason == "" {
			reason = "rejected by operator"
		}
		skipReason[id] = reason
		for _, dep := range b.plan.dependents(id) {
			if _, has := skipReason[dep]; !has {
				skipReason[dep] = fmt.Sprintf("upstream call %s rejected by operator", id)
			}
		}
	}

	for _, wave := range b.plan.waves {
		var pending []string
		for _, id := range wave {
			if _, ok := done[id]; ok {
				continue
			}
			if _, ok := skipReason[id]; ok {
				continue
			}
			if abortReason != "" {
				skipReason[id] = abortReason
				continue
			}
			if reason, blocked := x.blockedUpstream(b.plan, id, done, skipReason); blocked {
				skipReason[id] = reason
				continue
			}
			pending = append(pending, id)
		}
		if len(pending) == 0 {
			continue
		}

		slots := make([]ToolCallResult, len(pending))
		g, gctx := errgroup.WithContext(ctx)
		if x.maxParallel > 0 {
			g.SetLimit(x.maxParallel)
		}
		for i, id := range pending {
			node := b.plan.nodes[id]
			g.Go(func() error {
				if gctx.Err() != nil && ctx.Err() == nil {
					slots[i] = ToolCallResult{CallID: id, Status: ResultSkipped, ErrorMessage: "aborted: earlier call failed with fail_fast"}
					return nil
				}
				res := x.executeCall(gctx, node, b.view, done, b.tel)
				slots[i] = res
				if res.Status == ResultError && x.policyFor(node.call.Name) == PolicyFailFast {
					return errFailFast
				}
				return nil
			})
		}
		waitErr := g.Wait()
		if ctx.Err() != nil {
			return nil, wrapRunError(ErrKindCanceled, ctx.Err(), "run canceled during tool execution")
		}
		for i, id := range pending {
			done[id] = slots[i]
		}
		if waitErr != nil {
			abortReason = "aborted: earlier call failed with fail_fast"
		}
	}

	out := make([]ToolCallResult, 0, len(b.plan.order))
	for _, id := range b.plan.order {
		if res, ok := done[id]; ok {
			out = append(out, res)
			continue
		}
		reason := skipReason[id]
		if reason == "" {
			reason = "not executed"
		}
		out = append(out, ToolCallResult{CallID: id, Status: ResultSkipped, ErrorMessage: reason})
	}
	return out, nil
}

// blockedUpstream reports whether a call must be skipped because one of its
// dependencies did not produce a usable payload. A failed dependency whose
// tool declares continue_with_error_payload still counts as usable: its
// error payload is what dependents resolve against.
func (x *planExecutor) blockedUpstream(plan *toolPlan, id string, done map[string]ToolCallResult, skipReason map[string]string) (string, bool) {
	for dep := range plan.nodes[id].deps {
		if _, skipped := skipReason[dep]; skipped {
			return fmt.Sprintf("upstream call %s skipped", dep), true
		}
		res, ok := done[dep]
		if !ok {
			return fmt.Sprintf("upstream call %s did not run", dep), true
		}
		switch res.Status {
		case ResultSkipped:
			return fmt.Sprintf("upstream call %s skipped", dep), true
		case ResultError:
			if x.policyFor(plan.nodes[dep].call.Name) != PolicyContinue {
				return fmt.Sprintf("upstream call %s failed", dep), true
			}
		}
	}
	return "", false
}

func (x *planExecutor) policyFor(name string) ErrorPolicy {
	if e, ok := x.lookup(name); ok {
		return e.decl.policy()
	}
	return PolicyIsolate
}

// executeCall runs one call end to end: resolve references, look up the
// tool, validate arguments, execute with timeout and panic recovery, and
// marshal the payload. Every failure mode maps to a result, never an error
// return, so the LLM can observe what happened on its next turn.
func (x *planExecutor) executeCall(ctx context.Context, node *planNode, view ContextView, results map[string]ToolCallResult, tel *telemetry) ToolCallResult {
	call := node.call
	tel.emit(EventToolCallStart, map[string]any{"tool": call.Name, "call_id": call.ID, "wave": node.wave})
	start := time.Now()
	res := x.dispatch(ctx, node, view, results)
	x.logger.Debug("tool call finished",
		"tool", call.Name,
		"call_id", call.ID,
		"status", string(res.Status),
		"duration", time.Since(start))
	tel.emit(EventToolCallEnd, map[string]any{"tool": call.Name, "call_id": call.ID, "status": string(res.Status)})
	return res
}

func (x *planExecutor) dispatch(ctx context.Context, node *planNode, view ContextView, results map[string]ToolCallResult) ToolCallResult {
	call := node.call

	args := call.Args
	if len(node.deps) > 0 {
		resolved, rerr := substituteRefs(args, results)
		if rerr != nil {
			return x.errorResult(call, rerr.Message)
		}
		args = resolved
	}

	entry, ok := x.lookup(call.Name)
	if !ok {
		return x.errorResult(call, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if entry.schema != nil {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := validateJSON(entry.schema, args); err != nil {
			return x.errorResult(call, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	timeout := entry.decl.Timeout
	if timeout <= 0 {
		timeout = x.toolTimeout
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if x.tracer != nil {
		var span Span
		callCtx, span = x.tracer.Start(callCtx, "tool.execute",
			StringAttr("tool.name", call.Name),
			StringAttr("tool.call_id", call.ID))
		defer span.End()
	}

	payload, err := safeExecute(callCtx, entry.tool, args, view)
	if err != nil {
		return x.errorResult(call, fmt.Sprintf("tool %s failed: %v", call.Name, err))
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return x.errorResult(call, fmt.Sprintf("tool %s returned unserializable payload: %v", call.Name, err))
	}
	return ToolCallResult{CallID: call.ID, Status: ResultSuccess, Payload: raw}
}

// errorResult shapes a failed call under its tool's error policy. Under
// continue_with_error_payload the message doubles as the payload so
// dependent calls have JSON to resolve against.
func (x *planExecutor) errorResult(call ToolCall, msg string) ToolCallResult {
	res := ToolCallResult{CallID: call.ID, Status: ResultError, ErrorMessage: msg}
	if x.policyFor(call.Name) == PolicyContinue {
		if payload, err := json.Marshal(map[string]string{"error": msg}); err == nil {
			res.Payload = payload
		}
	}
	return res
}

// safeExecute shields the engine from panicking tools.
func safeExecute(ctx context.Context, tool Tool, args json.RawMessage, view ContextView) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, args, view)
}

package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// handoffParams is the argument schema every handoff pseudo-tool shares.
var handoffParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"reason": {
			"type": "string",
			"description": "Why the conversation should transfer to this agent."
		}
	},
	"required": ["reason"]
}`)

// handoffTool synthesizes the handoff_to_<target> pseudo-tool for one
// declared handoff. The loop intercepts calls to it before execution; the
// body exists only so the declaration has a complete Tool behind it.
func handoffTool(h HandoffSpec) Tool {
	name := "handoff_to_" + snakeCase(h.Target)
	desc := h.Trigger
	if desc == "" {
		desc = fmt.Sprintf("Transfer this conversation to the %s agent.", h.Target)
	}
	return NewTool(name, desc, handoffParams, func(context.Context, json.RawMessage, ContextView) (any, error) {
		return nil, fmt.Errorf("%s is a control transfer, not an executable tool", name)
	})
}

// defaultMaxHops bounds handoff chains so two agents deferring to each other
// cannot ping-pong forever.
const defaultMaxHops = 5

// Router owns a set of named engines and chains handoffs between them: when
// one agent's run ends with StatusHandoff, the router carries the run
// context to the named target and continues there. Chaining stops at the hop
// bound; an unresolved handoff is returned to the caller as-is.
type Router struct {
	engines map[string]*Engine
	maxHops int
	logger  *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxHops bounds consecutive handoffs in one interaction (default 5).
func WithMaxHops(n int) RouterOption {
	return func(r *Router) { r.maxHops = n }
}

// WithRouterLogger sets the router's logger. Default: discarded.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router over the given engines, keyed by agent name.
func NewRouter(engines []*Engine, opts ...RouterOption) (*Router, error) {
	r := &Router{
		engines: make(map[string]*Engine, len(engines)),
		maxHops: defaultMaxHops,
		logger:  nopLogger,
	}
	for _, e := range engines {
		if e == nil {
			return nil, fmt.Errorf("haven: router given a nil engine")
		}
		if _, dup := r.engines[e.Name()]; dup {
			return nil, fmt.Errorf("haven: duplicate agent %q in router", e.Name())
		}
		r.engines[e.Name()] = e
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Interact runs input against the named starting agent and follows handoffs
// until a terminal result. Each hop reuses the accumulated run context; the
// turn counter resets per hop unless the source's HandoffSpec kept it.
func (r *Router) Interact(ctx context.Context, agent, input string, opts ...RunOption) *RunResult {
	current, ok := r.engines[agent]
	if !ok {
		return &RunResult{
			Status: StatusError,
			Error:  runErrorf(ErrKindToolBadArgs, "agent %q is not registered with this router", agent),
		}
	}

	res := current.Interact(ctx, input, opts...)
	for hops := 0; res.Status == StatusHandoff && hops < r.maxHops; hops++ {
		target, ok := r.engines[res.Handoff.Target]
		if !ok {
			return &RunResult{
				Status:  StatusError,
				Error:   runErrorf(ErrKindToolBadArgs, "handoff target %q is not registered with this router", res.Handoff.Target),
				Context: res.Context,
			}
		}
		rc := res.Context
		if !keepTurns(current, res.Handoff.Target) {
			rc.setTurn(0)
		}
		r.logger.Info("routing handoff", "from", current.Name(), "to", target.Name(), "reason", res.Handoff.Reason)
		current = target
		res = current.continueHandoff(ctx, rc)
	}
	return res
}

// keepTurns reads the source agent's declaration for the given target.
func keepTurns(source *Engine, target string) bool {
	for _, h := range source.def.Handoffs {
		if h.Target == target {
			return h.KeepTurns
		}
	}
	return false
}

// continueHandoff enters the loop over an inherited context: no new user
// input, no input guardrails — the transcript already ends with the handoff
// marker.
func (e *Engine) continueHandoff(ctx context.Context, rc *RunContext) *RunResult {
	r := e.newRunner(runConfig{rc: rc}, StreamHandler{})
	defer r.tel.close()
	r.tel.emit(EventRunStart, map[string]any{"inherited": true})
	e.cfg.logger.Info("run continued after handoff", "agent", e.def.Name, "run_id", r.runID)
	return r.loop(ctx)
}

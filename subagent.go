package haven

import (
	"context"
	"encoding/json"
	"fmt"
)

// runDepthKey carries the nesting depth of the current run through tool
// execution, so invoke_* tools know how deep they already are.
type runDepthKey struct{}

func withRunDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, runDepthKey{}, depth)
}

func runDepth(ctx context.Context) int {
	d, _ := ctx.Value(runDepthKey{}).(int)
	return d
}

// subAgentParams is the argument schema every invoke_* tool shares.
var subAgentParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"description": "The task for the agent, phrased as a complete request."
		}
	},
	"required": ["task"]
}`)

// subAgentTool exposes a nested engine as the invoke_<name> tool on the
// parent. The nested run inherits the caller's deadline and depth; its
// output (structured document when it declares a schema, final text
// otherwise) becomes the call's payload.
func subAgentTool(parent *Engine, spec SubAgentSpec) Tool {
	name := "invoke_" + snakeCase(spec.Engine.Name())
	desc := spec.Description
	if desc == "" {
		desc = fmt.Sprintf("Delegate a task to the %s agent and return its answer.", spec.Engine.Name())
	}
	return NewTool(name, desc, subAgentParams, func(ctx context.Context, args json.RawMessage, view ContextView) (any, error) {
		var p struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}

		depth := runDepth(ctx) + 1
		if depth > parent.cfg.maxDepth {
			return nil, runErrorf(ErrKindSubAgentDepth, "sub-agent nesting depth %d exceeds limit %d", depth, parent.cfg.maxDepth)
		}

		cfg := runConfig{depth: depth}
		if spec.ShareContext {
			cfg.rc = view.rc
		}
		res := spec.Engine.execute(ctx, p.Task, StreamHandler{}, cfg)
		switch res.Status {
		case StatusOK:
			if len(res.Structured) > 0 {
				return res.Structured, nil
			}
			return res.Output, nil
		case StatusPaused:
			return nil, fmt.Errorf("sub-agent %s paused for confirmation; nested runs cannot pause", spec.Engine.Name())
		case StatusHandoff:
			return nil, fmt.Errorf("sub-agent %s handed off to %q; handoffs do not cross invoke boundaries", spec.Engine.Name(), res.Handoff.Target)
		default:
			return nil, res.Error
		}
	})
}

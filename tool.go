package haven

import (
	"context"
	"encoding/json"
	"time"
)

// ErrorPolicy declares how the plan executor reacts when a tool call fails.
type ErrorPolicy string

const (
	// PolicyIsolate records the error, lets the rest of the wave finish,
	// and skips dependents of the failed call. The default.
	PolicyIsolate ErrorPolicy = "isolate"
	// PolicyFailFast aborts the remaining calls in this and later waves.
	PolicyFailFast ErrorPolicy = "fail_fast"
	// PolicyContinue records the error as the call's payload so the LLM can
	// observe it next turn; dependents still run against that payload.
	PolicyContinue ErrorPolicy = "continue_with_error_payload"
)

// ToolDeclaration is the immutable description of a tool: what the LLM sees
// (name, description, parameter schema) plus execution metadata the engine
// consumes.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// RequiresConfirmation gates the call behind a human decision; a batch
	// containing such a call pauses the run before anything executes.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
	// Deferred tools are offered to the LLM only when the registry's
	// selection strategy picks them for the current request.
	Deferred bool `json:"deferred,omitempty"`
	// ErrorPolicy defaults to PolicyIsolate when empty.
	ErrorPolicy ErrorPolicy `json:"error_policy,omitempty"`
	// Timeout bounds one execution; zero falls back to the engine default.
	Timeout time.Duration `json:"-"`
}

func (d ToolDeclaration) policy() ErrorPolicy {
	if d.ErrorPolicy == "" {
		return PolicyIsolate
	}
	return d.ErrorPolicy
}

// Tool is an executable capability offered to the LLM. Execute receives the
// raw JSON arguments (already schema-validated when the declaration carries
// a schema) and a read-only view of the run. The returned value is
// marshaled into the call's result payload.
type Tool interface {
	Declaration() ToolDeclaration
	Execute(ctx context.Context, args json.RawMessage, view ContextView) (any, error)
}

// ToolFunc is the function form of a tool body.
type ToolFunc func(ctx context.Context, args json.RawMessage, view ContextView) (any, error)

// ToolOption customizes a tool built with NewTool.
type ToolOption func(*ToolDeclaration)

// RequiresConfirmation marks the tool as needing a human decision per call.
func RequiresConfirmation() ToolOption {
	return func(d *ToolDeclaration) { d.RequiresConfirmation = true }
}

// Deferred excludes the tool from the always-offered set; the selection
// strategy decides per request whether the LLM sees it.
func Deferred() ToolOption {
	return func(d *ToolDeclaration) { d.Deferred = true }
}

// WithErrorPolicy sets the executor's reaction to this tool failing.
func WithErrorPolicy(p ErrorPolicy) ToolOption {
	return func(d *ToolDeclaration) { d.ErrorPolicy = p }
}

// WithToolTimeout bounds a single execution of this tool.
func WithToolTimeout(timeout time.Duration) ToolOption {
	return func(d *ToolDeclaration) { d.Timeout = timeout }
}

// NewTool builds a Tool from a name, description, JSON Schema for the
// arguments (nil means unvalidated), and a body.
func NewTool(name, description string, parameters json.RawMessage, fn ToolFunc, opts ...ToolOption) Tool {
	decl := ToolDeclaration{Name: name, Description: description, Parameters: parameters}
	for _, opt := range opts {
		opt(&decl)
	}
	return &funcTool{decl: decl, fn: fn}
}

type funcTool struct {
	decl ToolDeclaration
	fn   ToolFunc
}

func (t *funcTool) Declaration() ToolDeclaration { return t.decl }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage, view ContextView) (any, error) {
	return t.fn(ctx, args, view)
}

var _ Tool = (*funcTool)(nil)

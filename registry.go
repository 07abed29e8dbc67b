package haven

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultSelectTopK = 8

// ToolRegistry is the per-agent catalog of declared tools. Eager tools are
// offered to the LLM on every request; deferred tools pass through the
// selection strategy, which picks the top K most relevant for the current
// query. The registry is built at configuration time and read-only
// afterwards, so concurrent runs share it without locking.
type ToolRegistry struct {
	entries map[string]*registryEntry
	order   []string

	strategy SelectionStrategy
	topK     int
}

type registryEntry struct {
	tool   Tool
	decl   ToolDeclaration
	schema *jsonschema.Schema
}

// RegistryOption customizes registry construction.
type RegistryOption func(*ToolRegistry)

// WithStrategy sets the deferred-tool selection strategy. Default: BM25 over
// tool names and descriptions.
func WithStrategy(s SelectionStrategy) RegistryOption {
	return func(r *ToolRegistry) { r.strategy = s }
}

// WithTopK caps how many deferred tools one request may include.
func WithTopK(k int) RegistryOption {
	return func(r *ToolRegistry) { r.topK = k }
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		entries: make(map[string]*registryEntry),
		topK:    defaultSelectTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.strategy == nil {
		r.strategy = NewBM25Strategy()
	}
	return r
}

// Declare registers tools. A duplicate name fails fast with
// ErrDuplicateTool; a malformed parameter schema fails at declaration, not
// at first call.
func (r *ToolRegistry) Declare(tools ...Tool) error {
	for _, t := range tools {
		decl := t.Declaration()
		if decl.Name == "" {
			return fmt.Errorf("haven: tool with empty name")
		}
		if _, exists := r.entries[decl.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, decl.Name)
		}
		entry := &registryEntry{tool: t, decl: decl}
		if len(decl.Parameters) > 0 {
			schema, err := compileSchema(decl.Parameters)
			if err != nil {
				return fmt.Errorf("haven: tool %s: %w", decl.Name, err)
			}
			entry.schema = schema
		}
		r.entries[decl.Name] = entry
		r.order = append(r.order, decl.Name)
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *ToolRegistry) entry(name string) (*registryEntry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Len reports how many tools are declared.
func (r *ToolRegistry) Len() int { return len(r.order) }

// Declarations returns every declaration in declaration order.
func (r *ToolRegistry) Declarations() []ToolDeclaration {
	out := make([]ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].decl)
	}
	return out
}

// Select composes the tool set for one request: all eager tools, in
// declaration order, plus the strategy's top K picks from the deferred
// tools. Strategy ties are broken by declaration order; the strategy never
// sees eager tools.
func (r *ToolRegistry) Select(ctx context.Context, query string) ([]ToolDeclaration, error) {
	var eager, deferred []ToolDeclaration
	for _, name := range r.order {
		decl := r.entries[name].decl
		if decl.Deferred {
			deferred = append(deferred, decl)
		} else {
			eager = append(eager, decl)
		}
	}
	if len(deferred) == 0 {
		return eager, nil
	}
	k := r.topK
	if k <= 0 {
		k = defaultSelectTopK
	}
	picked, err := r.strategy.Rank(ctx, query, deferred, k)
	if err != nil {
		return nil, fmt.Errorf("haven: tool selection: %w", err)
	}
	if len(picked) > k {
		picked = picked[:k]
	}
	return append(eager, picked...), nil
}

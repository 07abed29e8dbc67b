package haven

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Memory is the optional long-term store attached to an agent. The engine
// consults it only through the explicit memory_* tools — nothing is injected
// into prompts behind the LLM's back. Entries are scoped: the scope is an
// opaque partition key (typically a user or session ID) so one store can
// serve many principals.
//
// Implementations own their cross-run thread-safety; within a single run the
// engine additionally serializes all calls, so parallel tool waves cannot
// interleave memory operations.
type Memory interface {
	// Get returns the value stored under key in scope, and whether it exists.
	Get(ctx context.Context, key, scope string) (string, bool, error)
	// Put stores value under key in scope, replacing any previous value.
	Put(ctx context.Context, key, value, scope string) error
	// Search returns up to k entries in scope relevant to query, best first.
	Search(ctx context.Context, query string, k int, scope string) ([]MemoryEntry, error)
}

// MemoryEntry is one search hit.
type MemoryEntry struct {
	Key   string  `json:"key"`
	Value string  `json:"value"`
	Score float64 `json:"score,omitempty"`
}

var errNoMemory = errors.New("haven: agent has no memory configured")

// serialMemory wraps a Memory with a mutex so that one run's memory calls
// never overlap, even when issued from concurrent tool executions.
type serialMemory struct {
	mu    sync.Mutex
	inner Memory
}

func (m *serialMemory) Get(ctx context.Context, key, scope string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inner.Get(ctx, key, scope)
}

func (m *serialMemory) Put(ctx context.Context, key, value, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inner.Put(ctx, key, value, scope)
}

func (m *serialMemory) Search(ctx context.Context, query string, k int, scope string) ([]MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inner.Search(ctx, query, k, scope)
}

// KVMemory is a process-local Memory backed by a map, with naive substring
// search. Useful for tests and single-process agents; durable stores live
// behind the same interface.
type KVMemory struct {
	mu     sync.RWMutex
	scopes map[string]map[string]string
}

// NewKVMemory builds an empty in-process memory.
func NewKVMemory() *KVMemory {
	return &KVMemory{scopes: make(map[string]map[string]string)}
}

func (m *KVMemory) Get(_ context.Context, key, scope string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scopes[scope][key]
	return v, ok, nil
}

func (m *KVMemory) Put(_ context.Context, key, value, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[scope]
	if !ok {
		s = make(map[string]string)
		m.scopes[scope] = s
	}
	s[key] = value
	return nil
}

func (m *KVMemory) Search(_ context.Context, query string, k int, scope string) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var hits []MemoryEntry
	for key, value := range m.scopes[scope] {
		score := 0.0
		if strings.Contains(strings.ToLower(key), q) {
			score += 2
		}
		if strings.Contains(strings.ToLower(value), q) {
			score++
		}
		if score > 0 {
			hits = append(hits, MemoryEntry{Key: key, Value: value, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// --- Memory tools ---
//
// When an agent declares a Memory, the engine offers these three tools to
// the LLM. Scope resolution: the explicit "scope" argument wins; otherwise
// the run's "userId" state value; otherwise the empty scope.

const defaultMemorySearchK = 5

var memoryGetSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"key":   {"type": "string", "description": "Key to look up."},
		"scope": {"type": "string", "description": "Optional partition; defaults to the current user."}
	},
	"required": ["key"]
}`)

var memoryPutSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"key":   {"type": "string", "description": "Key to store under."},
		"value": {"type": "string", "description": "Value to remember."},
		"scope": {"type": "string", "description": "Optional partition; defaults to the current user."}
	},
	"required": ["key", "value"]
}`)

var memorySearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "What to look for."},
		"k":     {"type": "integer", "description": "Maximum entries to return.", "minimum": 1},
		"scope": {"type": "string", "description": "Optional partition; defaults to the current user."}
	},
	"required": ["query"]
}`)

func memoryScope(explicit string, view ContextView) string {
	if explicit != "" {
		return explicit
	}
	return view.GetString("userId")
}

// memoryTools builds the memory_get / memory_put / memory_search tools. The
// tools read the run's Memory through the context view, so they bind to
// whichever store the run carries.
func memoryTools() []Tool {
	get := NewTool("memory_get", "Retrieve a remembered value by key.", memoryGetSchema,
		func(ctx context.Context, args json.RawMessage, view ContextView) (any, error) {
			var p struct {
				Key   string `json:"key"`
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			mem := view.Memory()
			if mem == nil {
				return nil, errNoMemory
			}
			value, found, err := mem.Get(ctx, p.Key, memoryScope(p.Scope, view))
			if err != nil {
				return nil, err
			}
			return map[string]any{"found": found, "value": value}, nil
		})

	put := NewTool("memory_put", "Store a value to remember across conversations.", memoryPutSchema,
		func(ctx context.Context, args json.RawMessage, view ContextView) (any, error) {
			var p struct {
				Key   string `json:"key"`
				Value string `json:"value"`
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			mem := view.Memory()
			if mem == nil {
				return nil, errNoMemory
			}
			if err := mem.Put(ctx, p.Key, p.Value, memoryScope(p.Scope, view)); err != nil {
				return nil, err
			}
			return map[string]any{"stored": true}, nil
		})

	search := NewTool("memory_search", "Search remembered values.", memorySearchSchema,
		func(ctx context.Context, args json.RawMessage, view ContextView) (any, error) {
			var p struct {
				Query string `json:"query"`
				K     int    `json:"k"`
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			mem := view.Memory()
			if mem == nil {
				return nil, errNoMemory
			}
			k := p.K
			if k <= 0 {
				k = defaultMemorySearchK
			}
			entries, err := mem.Search(ctx, p.Query, k, memoryScope(p.Scope, view))
			if err != nil {
				return nil, err
			}
			if entries == nil {
				entries = []MemoryEntry{}
			}
			return map[string]any{"entries": entries}, nil
		})

	return []Tool{get, put, search}
}

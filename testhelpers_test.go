package haven

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// scriptedTurn is one canned LLM response. Stream plays it back as chunks
// (text delta, then a complete chunk per tool call, then response_complete);
// Complete returns it whole, which is how critic verdicts are served.
type scriptedTurn struct {
	text      string
	toolCalls []ToolCall
	usage     Usage
	err       error   // returned before anything streams
	chunks    []Chunk // raw chunk script; overrides text/toolCalls when set
}

// mockTransport pops scripted turns in order and records every request it
// sees. Past the end of the script it answers "exhausted".
type mockTransport struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	idx      int
	requests []ModelRequest
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) next(req ModelRequest) scriptedTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.idx >= len(m.turns) {
		return scriptedTurn{text: "exhausted"}
	}
	turn := m.turns[m.idx]
	m.idx++
	return turn
}

func (m *mockTransport) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockTransport) request(i int) ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *mockTransport) Complete(_ context.Context, req ModelRequest) (*ModelResponse, error) {
	turn := m.next(req)
	if turn.err != nil {
		return nil, turn.err
	}
	return &ModelResponse{Text: turn.text, ToolCalls: turn.toolCalls, Usage: turn.usage}, nil
}

func (m *mockTransport) Stream(ctx context.Context, req ModelRequest, emit func(Chunk) error) (*ModelResponse, error) {
	turn := m.next(req)
	if turn.err != nil {
		return nil, turn.err
	}
	if turn.chunks != nil {
		for _, c := range turn.chunks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := emit(c); err != nil {
				return nil, err
			}
		}
		return &ModelResponse{Usage: turn.usage}, nil
	}
	if turn.text != "" {
		if err := emit(Chunk{Kind: ChunkTextDelta, Text: turn.text}); err != nil {
			return nil, err
		}
	}
	for i, call := range turn.toolCalls {
		if err := emit(Chunk{Kind: ChunkToolCallComplete, Index: i, CallID: call.ID, Name: call.Name, Args: call.Args}); err != nil {
			return nil, err
		}
	}
	usage := turn.usage
	if err := emit(Chunk{Kind: ChunkResponseComplete, Usage: &usage}); err != nil {
		return nil, err
	}
	return &ModelResponse{Usage: turn.usage}, nil
}

var _ Transport = (*mockTransport)(nil)

// --- Tool helpers (shared across loop, executor, and resume tests) ---

// echoTool returns its arguments back as the payload.
func echoTool(name string) Tool {
	return NewTool(name, "echoes its arguments", nil,
		func(_ context.Context, args json.RawMessage, _ ContextView) (any, error) {
			if len(args) == 0 {
				return json.RawMessage(`{}`), nil
			}
			return args, nil
		})
}

// staticTool always returns the given payload.
func staticTool(name string, payload any, opts ...ToolOption) Tool {
	return NewTool(name, "returns a fixed payload", nil,
		func(context.Context, json.RawMessage, ContextView) (any, error) {
			return payload, nil
		}, opts...)
}

// failingTool always returns the given error.
func failingTool(name string, err error, opts ...ToolOption) Tool {
	return NewTool(name, "always fails", nil,
		func(context.Context, json.RawMessage, ContextView) (any, error) {
			return nil, err
		}, opts...)
}

// recordingTool appends received argument JSON to a shared slice, so tests
// can observe what the executor resolved $ref tokens into.
type recordingTool struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingTool) tool(name string, payload any) Tool {
	return NewTool(name, "records its arguments", nil,
		func(_ context.Context, args json.RawMessage, _ ContextView) (any, error) {
			r.mu.Lock()
			r.seen = append(r.seen, string(args))
			r.mu.Unlock()
			return payload, nil
		})
}

func (r *recordingTool) args() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}

// barrierTool blocks each Execute until every concurrent call has started.
// If calls in one wave run sequentially this deadlocks (caught by timeout).
func barrierTool(name string, started chan<- string, barrier <-chan struct{}) Tool {
	return NewTool(name, "barrier tool", nil,
		func(_ context.Context, _ json.RawMessage, _ ContextView) (any, error) {
			started <- name
			<-barrier
			return "done from " + name, nil
		})
}

// mustRegistry builds a registry from tools, failing the test on declare
// errors.
func mustRegistry(t *testing.T, tools ...Tool) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	if err := reg.Declare(tools...); err != nil {
		t.Fatal(err)
	}
	return reg
}

// mustEngine builds an engine over the mock transport, failing the test on
// configuration errors.
func mustEngine(t *testing.T, def AgentDefinition, transport Transport, opts ...Option) *Engine {
	t.Helper()
	e, err := New(def, transport, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

var errToolBroken = errors.New("tool broken")

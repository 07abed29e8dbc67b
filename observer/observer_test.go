package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	haven "github.com/nevindra/haven"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockTransport for observer tests.
type mockTransport struct {
	name   string
	resp   *haven.ModelResponse
	err    error
	chunks []haven.Chunk
}

func (m *mockTransport) Name() string { return m.name }
func (m *mockTransport) Complete(_ context.Context, _ haven.ModelRequest) (*haven.ModelResponse, error) {
	return m.resp, m.err
}
func (m *mockTransport) Stream(_ context.Context, _ haven.ModelRequest, emit func(haven.Chunk) error) (*haven.ModelResponse, error) {
	for _, c := range m.chunks {
		if err := emit(c); err != nil {
			return nil, err
		}
	}
	return m.resp, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedTransport tests
// ---------------------------------------------------------------------------

func TestObservedTransportName(t *testing.T) {
	inner := &mockTransport{name: "test-transport"}
	ot := WrapTransport(inner, testInstruments(t))

	got := ot.Name()
	if got != "test-transport" {
		t.Errorf("Name() = %q, want %q", got, "test-transport")
	}
}

func TestObservedTransportComplete(t *testing.T) {
	want := &haven.ModelResponse{
		Text:  "hello from LLM",
		Usage: haven.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockTransport{name: "p", resp: want}
	ot := WrapTransport(inner, testInstruments(t))

	got, err := ot.Complete(context.Background(), haven.ModelRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Complete returned unexpected error: %v", err)
	}
	if got.Text != want.Text {
		t.Errorf("Text = %q, want %q", got.Text, want.Text)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedTransportCompleteError(t *testing.T) {
	wantErr := errors.New("transport unavailable")
	inner := &mockTransport{name: "p", err: wantErr}
	ot := WrapTransport(inner, testInstruments(t))

	_, err := ot.Complete(context.Background(), haven.ModelRequest{Model: "m"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Complete error = %v, want %v", err, wantErr)
	}
}

func TestObservedTransportCompleteWithTools(t *testing.T) {
	want := &haven.ModelResponse{
		ToolCalls: []haven.ToolCall{
			{ID: "call-1", Name: "search", Args: []byte(`{"q":"go"}`)},
		},
		Usage: haven.Usage{InputTokens: 20, OutputTokens: 15},
	}
	inner := &mockTransport{name: "p", resp: want}
	ot := WrapTransport(inner, testInstruments(t))

	req := haven.ModelRequest{
		Model: "m",
		Tools: []haven.ToolDeclaration{{Name: "search", Description: "search things"}},
	}
	got, err := ot.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Name != "search" {
		t.Errorf("ToolCalls[0].Name = %q, want %q", got.ToolCalls[0].Name, "search")
	}
}

func TestObservedTransportStream(t *testing.T) {
	want := &haven.ModelResponse{
		Text:  "hello world",
		Usage: haven.Usage{InputTokens: 8, OutputTokens: 2},
	}
	inner := &mockTransport{
		name: "p",
		resp: want,
		chunks: []haven.Chunk{
			{Kind: haven.ChunkTextDelta, Text: "hello"},
			{Kind: haven.ChunkTextDelta, Text: " world"},
			{Kind: haven.ChunkResponseComplete, Usage: &want.Usage},
		},
	}
	ot := WrapTransport(inner, testInstruments(t))

	var got []haven.Chunk
	resp, err := ot.Stream(context.Background(), haven.ModelRequest{Model: "m"}, func(c haven.Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream returned unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("received %d chunks, want 3", len(got))
	}
	if got[0].Text != "hello" || got[1].Text != " world" {
		t.Errorf("chunk texts = %q, %q", got[0].Text, got[1].Text)
	}
	if resp.Text != want.Text {
		t.Errorf("Text = %q, want %q", resp.Text, want.Text)
	}
	if resp.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", resp.Usage, want.Usage)
	}
}

func TestObservedTransportStreamEmitError(t *testing.T) {
	inner := &mockTransport{
		name:   "p",
		chunks: []haven.Chunk{{Kind: haven.ChunkTextDelta, Text: "x"}},
	}
	ot := WrapTransport(inner, testInstruments(t))

	wantErr := errors.New("consumer gave up")
	_, err := ot.Stream(context.Background(), haven.ModelRequest{Model: "m"}, func(haven.Chunk) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Stream error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// Sink tests
// ---------------------------------------------------------------------------

func TestSinkEmitLifecycle(t *testing.T) {
	s := NewSink(testInstruments(t))
	base := time.Now()

	events := []haven.Event{
		{Name: haven.EventRunStart, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"depth": 0}},
		{Name: haven.EventTurnStart, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"turn": 0}},
		{Name: haven.EventLLMCallStart, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"model": "m", "messages": 2, "tools": 1}},
		{Name: haven.EventLLMCallEnd, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"input_tokens": 10, "output_tokens": 4, "tool_calls": 1}},
		{Name: haven.EventToolCallStart, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"tool": "search", "call_id": "c1", "wave": 0}},
		{Name: haven.EventToolCallEnd, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"tool": "search", "call_id": "c1", "status": "ok"}},
		{Name: haven.EventHandoff, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"target": "billing", "reason": "invoice"}},
		{Name: haven.EventGuardrailReject, RunID: "r1", AgentID: "support", Time: base, Fields: map[string]any{"guardrail": "keyword", "stage": "output", "reason": "blocked"}},
		{Name: haven.EventRunEnd, RunID: "r1", AgentID: "support", Time: base.Add(50 * time.Millisecond), Fields: map[string]any{"status": "ok"}},
	}
	for _, ev := range events {
		s.Emit(ev)
	}

	// run_end must release the start-time entry.
	s.mu.Lock()
	n := len(s.starts)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("start map holds %d entries after run_end, want 0", n)
	}
}

func TestSinkEmitRunEndWithoutStart(t *testing.T) {
	s := NewSink(testInstruments(t))
	// No run_start seen for this ID; must not panic or record a bogus duration.
	s.Emit(haven.Event{Name: haven.EventRunEnd, RunID: "orphan", AgentID: "a", Time: time.Now(), Fields: map[string]any{"status": "error"}})
}

func TestSinkEmitResumeTracksStart(t *testing.T) {
	s := NewSink(testInstruments(t))
	base := time.Now()

	s.Emit(haven.Event{Name: haven.EventResume, RunID: "r2", AgentID: "a", Time: base, Fields: map[string]any{"snapshot_id": "s1", "pending": 1}})

	s.mu.Lock()
	_, ok := s.starts["r2"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("resume did not register a start time")
	}

	s.Emit(haven.Event{Name: haven.EventRunEnd, RunID: "r2", AgentID: "a", Time: base.Add(time.Millisecond), Fields: map[string]any{"status": "ok"}})

	s.mu.Lock()
	n := len(s.starts)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("start map holds %d entries after run_end, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Tracer tests
// ---------------------------------------------------------------------------

func TestTracerNoopSafe(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "run",
		haven.StringAttr("agent.name", "support"),
		haven.IntAttr("turn", 1),
		haven.BoolAttr("resumed", false),
		haven.Float64Attr("temp", 0.2),
	)
	if ctx == nil || span == nil {
		t.Fatal("Start returned nil context or span")
	}
	span.SetAttr(haven.StringAttr("run.status", "ok"))
	span.Event("turn_start", haven.IntAttr("turn", 0))
	span.Error(errors.New("boom"))
	span.End()
}

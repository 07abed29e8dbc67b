package haven

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewToolAppliesOptions(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	tool := NewTool("transfer_funds", "moves money between accounts", schema,
		func(context.Context, json.RawMessage, ContextView) (any, error) { return "sent", nil },
		RequiresConfirmation(),
		Deferred(),
		WithErrorPolicy(PolicyFailFast),
		WithToolTimeout(5*time.Second),
	)

	decl := tool.Declaration()
	if decl.Name != "transfer_funds" || decl.Description != "moves money between accounts" {
		t.Errorf("declaration identity = %q / %q", decl.Name, decl.Description)
	}
	if string(decl.Parameters) != `{"type":"object"}` {
		t.Errorf("Parameters = %s", decl.Parameters)
	}
	if !decl.RequiresConfirmation {
		t.Error("RequiresConfirmation not applied")
	}
	if !decl.Deferred {
		t.Error("Deferred not applied")
	}
	if decl.ErrorPolicy != PolicyFailFast {
		t.Errorf("ErrorPolicy = %q, want %q", decl.ErrorPolicy, PolicyFailFast)
	}
	if decl.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", decl.Timeout)
	}
}

func TestErrorPolicyDefaultsToIsolate(t *testing.T) {
	if got := (ToolDeclaration{}).policy(); got != PolicyIsolate {
		t.Errorf("empty policy = %q, want %q", got, PolicyIsolate)
	}
	if got := (ToolDeclaration{ErrorPolicy: PolicyContinue}).policy(); got != PolicyContinue {
		t.Errorf("explicit policy = %q, want %q", got, PolicyContinue)
	}
}

func TestToolTimeoutBoundsExecution(t *testing.T) {
	slow := NewTool("slow", "waits for cancellation", nil,
		func(ctx context.Context, _ json.RawMessage, _ ContextView) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, WithToolTimeout(30*time.Millisecond))

	transport := &mockTransport{turns: []scriptedTurn{
		{toolCalls: []ToolCall{{ID: "c1", Name: "slow", Args: json.RawMessage(`{}`)}}},
		{text: "gave up waiting"},
	}}
	e := mustEngine(t, AgentDefinition{
		Name:     "a",
		Registry: mustRegistry(t, slow),
	}, transport)

	start := time.Now()
	res := e.Interact(context.Background(), "go")
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v, the per-tool timeout did not fire", elapsed)
	}

	result := toolResults(res.Context.Messages())["c1"]
	if result.Status != ResultError {
		t.Fatalf("result status = %q, want error", result.Status)
	}
	if !strings.Contains(result.Content, "context deadline exceeded") {
		t.Errorf("result content = %q, want a deadline error", result.Content)
	}
}

func TestToolPanicBecomesErrorResult(t *testing.T) {
	angry := NewTool("angry", "always panics", nil,
		func(context.Context, json.RawMessage, ContextView) (any, error) {
			panic("unexpected nil")
		})

	transport := &mockTransport{turns: []scriptedTurn{
		{toolCalls: []ToolCall{{ID: "c1", Name: "angry", Args: json.RawMessage(`{}`)}}},
		{text: "noted"},
	}}
	e := mustEngine(t, AgentDefinition{
		Name:     "a",
		Registry: mustRegistry(t, angry),
	}, transport)

	res := e.Interact(context.Background(), "go")
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}

	result := toolResults(res.Context.Messages())["c1"]
	if result.Status != ResultError {
		t.Fatalf("result status = %q, want error", result.Status)
	}
	if !strings.Contains(result.Content, "panic: unexpected nil") {
		t.Errorf("result content = %q, want the recovered panic", result.Content)
	}
}

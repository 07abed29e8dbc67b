package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/haven"
)

func TestParseResponse_TextResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-123",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChoiceMessage{
					Role:    "assistant",
					Content: "Hello! How can I help you?",
				},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     10,
			CompletionTokens: 8,
			TotalTokens:      18,
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Text != "Hello! How can I help you?" {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}
	if result.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != 8 {
		t.Errorf("expected 8 output tokens, got %d", result.Usage.OutputTokens)
	}
	if result.Usage.TotalTokens != 18 {
		t.Errorf("expected 18 total tokens, got %d", result.Usage.TotalTokens)
	}
}

func TestParseResponse_ToolCallResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-456",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChoiceMessage{
					Role:    "assistant",
					Content: "I'll search and calculate.",
					ToolCalls: []ToolCallRequest{
						{
							ID:   "call_a",
							Type: "function",
							Function: FunctionCall{
								Name:      "search",
								Arguments: `{"q":"test"}`,
							},
						},
						{
							ID:   "call_b",
							Type: "function",
							Function: FunctionCall{
								Name:      "calc",
								Arguments: `{"expr":"1+1"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Text != "I'll search and calculate." {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].ID != "call_a" || result.ToolCalls[0].Name != "search" {
		t.Errorf("unexpected first call: %+v", result.ToolCalls[0])
	}
	if result.ToolCalls[1].ID != "call_b" || result.ToolCalls[1].Name != "calc" {
		t.Errorf("unexpected second call: %+v", result.ToolCalls[1])
	}

	var args map[string]any
	if err := json.Unmarshal(result.ToolCalls[0].Args, &args); err != nil {
		t.Fatalf("failed to parse tool call args: %v", err)
	}
	if args["q"] != "test" {
		t.Errorf("expected q 'test', got %v", args["q"])
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	result, err := ParseResponse(ChatResponse{ID: "chatcmpl-789"})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if result.Text != "" {
		t.Errorf("expected empty text, got %q", result.Text)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}
}

func TestParseResponse_NoUsage(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-nousage",
		Choices: []Choice{
			{Message: &ChoiceMessage{Content: "Hello"}},
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if result.Usage != (haven.Usage{}) {
		t.Errorf("expected zero usage, got %+v", result.Usage)
	}
}

func TestParseToolCalls(t *testing.T) {
	tcs := []ToolCallRequest{
		{
			ID:   "call_1",
			Type: "function",
			Function: FunctionCall{
				Name:      "search",
				Arguments: `{"query":"cats"}`,
			},
		},
	}

	result := ParseToolCalls(tcs)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result))
	}
	if result[0].ID != "call_1" {
		t.Errorf("expected ID 'call_1', got %q", result[0].ID)
	}
	if result[0].Name != "search" {
		t.Errorf("expected name 'search', got %q", result[0].Name)
	}
	if string(result[0].Args) != `{"query":"cats"}` {
		t.Errorf("expected args carried verbatim, got %q", string(result[0].Args))
	}
}

func TestParseToolCalls_Empty(t *testing.T) {
	if result := ParseToolCalls(nil); result != nil {
		t.Errorf("expected nil for empty input, got %v", result)
	}
}

func TestParseToolCalls_EmptyArgumentsDefault(t *testing.T) {
	tcs := []ToolCallRequest{
		{ID: "call_noargs", Function: FunctionCall{Name: "ping"}},
	}

	result := ParseToolCalls(tcs)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result))
	}
	if string(result[0].Args) != `{}` {
		t.Errorf("expected empty-object args, got %q", string(result[0].Args))
	}
}

func TestParseToolCalls_MalformedArgumentsCarried(t *testing.T) {
	tcs := []ToolCallRequest{
		{
			ID:       "call_bad",
			Function: FunctionCall{Name: "search", Arguments: `not valid json`},
		},
	}

	// Malformed arguments pass through untouched; schema validation at
	// execution time is what rejects them, with the raw text in the error.
	result := ParseToolCalls(tcs)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result))
	}
	if string(result[0].Args) != `not valid json` {
		t.Errorf("expected args carried verbatim, got %q", string(result[0].Args))
	}
}

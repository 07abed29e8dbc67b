package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/haven"
)

// ParseResponse converts an OpenAI-format ChatResponse to a haven.ModelResponse.
// It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (*haven.ModelResponse, error) {
	out := &haven.ModelResponse{}

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Text = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to haven ToolCalls.
// OpenAI returns function.arguments as a JSON string; it is carried through
// verbatim so argument validation downstream sees exactly what the model
// produced.
func ParseToolCalls(tcs []ToolCallRequest) []haven.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]haven.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out = append(out, haven.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

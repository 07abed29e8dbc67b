package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/nevindra/haven"
)

// BuildBody converts a haven.ModelRequest into an OpenAI-format ChatRequest.
// System messages are kept in the messages array as role:"system"; handoff
// markers render as assistant text so a receiving agent sees the transfer.
// Options configure generation parameters (temperature, top_p, etc.).
func BuildBody(req haven.ModelRequest, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range req.Messages {
		switch {
		case m.Handoff != nil:
			msgs = append(msgs, Message{
				Role:    "assistant",
				Content: handoffText(m.Handoff),
			})

		case m.Role == haven.RoleAssistant && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == haven.RoleTool:
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}
	}

	out := ChatRequest{
		Model:    req.Model,
		Messages: msgs,
	}

	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}
	if req.ToolChoice != "" {
		out.ToolChoice = req.ToolChoice
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}

	// Structured output: enforce JSON responses matching the schema.
	if len(req.OutputSchema) > 0 {
		out.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "response",
				Schema: req.OutputSchema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&out)
	}

	return out
}

// BuildToolDefs converts haven tool declarations to OpenAI tool format.
func BuildToolDefs(tools []haven.ToolDeclaration) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func handoffText(h *haven.HandoffRecord) string {
	if h.Reason == "" {
		return fmt.Sprintf("(conversation handed off to %s)", h.Target)
	}
	return fmt.Sprintf("(conversation handed off to %s: %s)", h.Target, h.Reason)
}

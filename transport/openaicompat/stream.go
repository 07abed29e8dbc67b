package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/haven"
)

// StreamSSE reads an SSE stream from body, emits chunks in arrival order, and
// returns the fully accumulated response (content + tool calls + usage).
//
// Text deltas and tool-call fragments emit as they arrive; each assembled
// tool call emits a completion chunk at end of stream, followed by one
// response-complete chunk carrying usage. An error returned by emit aborts
// the stream.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, emit func(haven.Chunk) error) (*haven.ModelResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage haven.Usage

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each fragment has an index, and arguments arrive as
	// string pieces.
	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			if chunk.Usage != nil {
				usage = parseUsage(chunk.Usage)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		// Accumulate text content.
		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if err := emit(haven.Chunk{Kind: haven.ChunkTextDelta, Text: delta.Content}); err != nil {
				return nil, err
			}
		}

		// Accumulate tool calls.
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			if tc.ID != "" {
				toolCalls[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].args.WriteString(tc.Function.Arguments)
			}
			if err := emit(haven.Chunk{
				Kind:      haven.ChunkToolCallDelta,
				Index:     idx,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}); err != nil {
				return nil, err
			}
		}

		// Extract usage from chunks that include it.
		if chunk.Usage != nil {
			usage = parseUsage(chunk.Usage)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Finalize tool calls in slot order. Arguments pass through verbatim;
	// only a fully absent body becomes an empty object.
	var calls []haven.ToolCall
	for i := range toolCalls {
		tc := &toolCalls[i]
		args := json.RawMessage(tc.args.String())
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := emit(haven.Chunk{
			Kind:   haven.ChunkToolCallComplete,
			Index:  i,
			CallID: tc.id,
			Name:   tc.name,
			Args:   args,
		}); err != nil {
			return nil, err
		}
		calls = append(calls, haven.ToolCall{ID: tc.id, Name: tc.name, Args: args})
	}

	if err := emit(haven.Chunk{Kind: haven.ChunkResponseComplete, Usage: &usage}); err != nil {
		return nil, err
	}

	return &haven.ModelResponse{
		Text:      fullContent.String(),
		ToolCalls: calls,
		Usage:     usage,
	}, nil
}

func parseUsage(u *Usage) haven.Usage {
	return haven.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

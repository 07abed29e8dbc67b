package haven

import (
	"context"
	"encoding/json"
)

// ChunkKind discriminates transport stream events.
type ChunkKind int

const (
	// ChunkTextDelta carries a fragment of assistant text.
	ChunkTextDelta ChunkKind = iota
	// ChunkToolCallDelta carries a fragment of one tool call: the slot
	// index, optionally the call ID and name (first fragment), and a piece
	// of the argument JSON.
	ChunkToolCallDelta
	// ChunkToolCallComplete marks one tool call's arguments as fully
	// arrived. Args may be set when the transport assembled them; otherwise
	// the parser uses its accumulated deltas.
	ChunkToolCallComplete
	// ChunkResponseComplete ends the stream and carries final usage.
	ChunkResponseComplete
	// ChunkError aborts the stream.
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkTextDelta:
		return "text_delta"
	case ChunkToolCallDelta:
		return "tool_call_delta"
	case ChunkToolCallComplete:
		return "tool_call_complete"
	case ChunkResponseComplete:
		return "response_complete"
	case ChunkError:
		return "error"
	}
	return "unknown"
}

// Chunk is one event in a transport's response stream.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkTextDelta.
	Text string

	// Tool call fields. Index identifies the call's slot within the batch;
	// transports may emit fragments for several slots interleaved.
	Index     int
	CallID    string
	Name      string
	ArgsDelta string
	Args      json.RawMessage

	// Usage is set on ChunkResponseComplete.
	Usage *Usage

	// Err is set on ChunkError.
	Err error
}

// ModelRequest is the payload submitted to the LLM: the full message log
// each call (item-based conversation state, no server-side session), the
// tool schemas selected for this request, and generation parameters.
type ModelRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDeclaration
	OutputSchema json.RawMessage
	Temperature  float64
	MaxTokens    int
	// ToolChoice is "auto", "none", or "required". Empty means "auto".
	ToolChoice string
}

// ModelResponse is a completed LLM turn.
type ModelResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Transport speaks to an LLM endpoint. Implementations live outside the
// core (see transport/openaicompat for the reference one); the engine only
// needs these two calls.
//
// Stream invokes emit for every event in arrival order on a single
// goroutine and returns the assembled response after the final event. An
// error returned by emit aborts the stream. Complete is the non-streaming
// form.
type Transport interface {
	// Name identifies the transport in logs and telemetry.
	Name() string
	// Complete submits the request and blocks for the full response.
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	// Stream submits the request and delivers incremental chunks.
	Stream(ctx context.Context, req ModelRequest, emit func(Chunk) error) (*ModelResponse, error)
}

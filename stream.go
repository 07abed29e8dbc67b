package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamEventType identifies the kind of streaming event on the SSE surface.
type StreamEventType string

const (
	// StreamTextDelta carries an incremental text chunk from the LLM.
	StreamTextDelta StreamEventType = "text-delta"
	// StreamToolCall signals a tool call has been fully parsed off the stream.
	StreamToolCall StreamEventType = "tool-call"
	// StreamToolResult carries the result of a completed tool call.
	StreamToolResult StreamEventType = "tool-result"
	// StreamPaused signals the run paused for confirmation; data carries the
	// snapshot.
	StreamPaused StreamEventType = "paused"
	// StreamHandoff signals the run transferred to another agent.
	StreamHandoff StreamEventType = "handoff"
	// StreamDone signals normal completion; data carries the final output.
	StreamDone StreamEventType = "done"
	// StreamError signals the run failed; data carries the error kind and
	// message.
	StreamError StreamEventType = "error"
)

// StreamEvent is the wire form of one streaming event. Consumers receive
// these as SSE data payloads from ServeSSE, or build their own loops over
// StreamHandler callbacks.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Name is the tool name or handoff target (empty for text-delta).
	Name string `json:"name,omitempty"`
	// CallID ties tool-call and tool-result events together.
	CallID string `json:"call_id,omitempty"`
	// Status is the tool call outcome (tool-result only).
	Status ResultStatus `json:"status,omitempty"`
	// Content carries the text delta or the tool result payload.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call only).
	Args json.RawMessage `json:"args,omitempty"`
}

// ServeSSE runs the agent over input and streams the run as Server-Sent
// Events.
//
// It validates that w implements [http.Flusher], sets SSE headers, runs the
// agent in a background goroutine, and writes each event as:
//
//	event: <event-type>
//	data: <json-encoded payload>
//
// The terminal event mirrors the run status: "done" with the final output,
// "paused" with the snapshot for an approval UI, "handoff" with the target,
// or "error" with the kind and message.
//
// Client disconnection propagates via ctx cancellation to the run. Callers
// typically pass r.Context() as ctx.
func ServeSSE(ctx context.Context, w http.ResponseWriter, e *Engine, input string, opts ...RunOption) (*RunResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan StreamEvent, 64)
	h := StreamHandler{
		OnTextDelta: func(delta string) {
			ch <- StreamEvent{Type: StreamTextDelta, Content: delta}
		},
		OnToolCall: func(call ToolCall) {
			ch <- StreamEvent{Type: StreamToolCall, Name: call.Name, CallID: call.ID, Args: call.Args}
		},
		OnToolResult: func(res ToolCallResult) {
			ev := StreamEvent{Type: StreamToolResult, CallID: res.CallID, Status: res.Status}
			if res.ErrorMessage != "" {
				ev.Content = res.ErrorMessage
			} else {
				ev.Content = string(res.Payload)
			}
			ch <- ev
		},
	}

	resultCh := make(chan *RunResult, 1)
	go func() {
		defer close(ch)
		defer func() {
			if p := recover(); p != nil {
				resultCh <- &RunResult{
					Status: StatusError,
					Error:  runErrorf(ErrKindToolExecution, "run panic: %v", p),
				}
			}
		}()
		resultCh <- e.execute(ctx, input, h, buildRunConfig(opts))
	}()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}

	res := <-resultCh
	writeTerminalEvent(w, flusher, res)
	return res, nil
}

func writeTerminalEvent(w http.ResponseWriter, flusher http.Flusher, res *RunResult) {
	var (
		event StreamEventType
		data  []byte
	)
	switch res.Status {
	case StatusError:
		event = StreamError
		data, _ = json.Marshal(map[string]string{
			"kind":  string(res.Error.Kind),
			"error": res.Error.Message,
		})
	case StatusPaused:
		event = StreamPaused
		data, _ = json.Marshal(res.Snapshot)
	case StatusHandoff:
		event = StreamHandoff
		data, _ = json.Marshal(res.Handoff)
	default:
		event = StreamDone
		data, _ = json.Marshal(map[string]any{
			"output":     res.Output,
			"structured": res.Structured,
			"telemetry":  res.Telemetry,
		})
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// WriteSSEEvent writes a single Server-Sent Event to w and flushes. It
// validates that w implements [http.Flusher], JSON-marshals data into the
// SSE data field, and flushes immediately. eventType is the SSE event name
// (e.g. "text-delta", "done").
//
// Use this to compose custom SSE loops over StreamHandler callbacks when
// ServeSSE's framing does not fit.
func WriteSSEEvent(w http.ResponseWriter, eventType string, data any) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse data: %w", err)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, encoded)
	flusher.Flush()
	return nil
}

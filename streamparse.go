package haven

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StreamHandler receives the unified callback stream produced while parsing
// an LLM response. All callbacks fire in strict arrival order on a single
// goroutine; a callback must return quickly and must not re-enter the
// engine. Nil fields are skipped.
type StreamHandler struct {
	// OnTextDelta receives raw assistant text fragments.
	OnTextDelta func(delta string)
	// OnToolCall fires when one tool call's arguments have fully arrived
	// and are valid JSON.
	OnToolCall func(call ToolCall)
	// OnToolResult fires after the engine executes a call. Results arrive
	// in the batch's call order.
	OnToolResult func(res ToolCallResult)
	// OnPartialJSON fires in structured-output mode with the fields whose
	// values have fully closed so far. At most one emission per delta, and
	// only when a new top-level key has closed.
	OnPartialJSON func(fields map[string]json.RawMessage)
	// OnParsedComplete fires exactly once, with the final schema-shaped
	// object, when a structured response parses.
	OnParsedComplete func(doc json.RawMessage)
	// OnError receives run-fatal stream errors.
	OnError func(err *RunError)
}

// StreamParser turns a transport's chunk sequence into handler callbacks and
// an assembled ModelResponse. One parser serves one LLM call.
type StreamParser struct {
	h          StreamHandler
	structured bool

	text      strings.Builder
	completer *jsonCompleter
	emitted   int

	calls   []*partialToolCall
	byIndex map[int]*partialToolCall

	usage    Usage
	done     bool
	parseErr *RunError
	finalDoc json.RawMessage
}

type partialToolCall struct {
	index   int
	arrival int
	id      string
	name    string
	args    strings.Builder
	final   json.RawMessage
	valid   bool
}

// ParserOption configures a StreamParser.
type ParserOption func(*StreamParser)

// StructuredMode enables incremental JSON tracking of the assistant text:
// the text is treated as an emerging JSON document and OnPartialJSON /
// OnParsedComplete fire as it closes.
func StructuredMode() ParserOption {
	return func(p *StreamParser) {
		p.structured = true
		p.completer = newJSONCompleter()
	}
}

// NewStreamParser builds a parser over the given handler.
func NewStreamParser(h StreamHandler, opts ...ParserOption) *StreamParser {
	p := &StreamParser{h: h, byIndex: make(map[int]*partialToolCall)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed ingests the next chunk. Feeding after the response completed is a
// programming error and is reported as such.
func (p *StreamParser) Feed(chunk Chunk) error {
	if p.done {
		return fmt.Errorf("haven: stream parser fed after completion")
	}
	switch chunk.Kind {
	case ChunkTextDelta:
		p.feedText(chunk.Text)
	case ChunkToolCallDelta:
		call := p.slot(chunk.Index)
		if chunk.CallID != "" {
			call.id = chunk.CallID
		}
		if chunk.Name != "" {
			call.name = chunk.Name
		}
		call.args.WriteString(chunk.ArgsDelta)
	case ChunkToolCallComplete:
		p.completeCall(chunk)
	case ChunkResponseComplete:
		p.done = true
		if chunk.Usage != nil {
			p.usage = *chunk.Usage
		}
		p.finishStructured()
	case ChunkError:
		p.done = true
		p.parseErr = wrapRunError(ErrKindTransport, chunk.Err, "stream error: %v", chunk.Err)
		if p.h.OnError != nil {
			p.h.OnError(p.parseErr)
		}
	}
	return nil
}

func (p *StreamParser) feedText(delta string) {
	if delta == "" {
		return
	}
	p.text.WriteString(delta)
	if p.h.OnTextDelta != nil {
		p.h.OnTextDelta(delta)
	}
	if !p.structured {
		return
	}
	p.completer.Write(delta)
	if p.completer.ClosedKeyCount() > p.emitted {
		if fields, ok := p.completer.Partial(); ok {
			p.emitted = p.completer.ClosedKeyCount()
			if p.h.OnPartialJSON != nil {
				p.h.OnPartialJSON(fields)
			}
		}
	}
}

func (p *StreamParser) slot(index int) *partialToolCall {
	if call, ok := p.byIndex[index]; ok {
		return call
	}
	call := &partialToolCall{index: index, arrival: len(p.calls)}
	p.byIndex[index] = call
	p.calls = append(p.calls, call)
	return call
}

func (p *StreamParser) completeCall(chunk Chunk) {
	call := p.slot(chunk.Index)
	if chunk.CallID != "" {
		call.id = chunk.CallID
	}
	if chunk.Name != "" {
		call.name = chunk.Name
	}
	raw := chunk.Args
	if len(raw) == 0 {
		accumulated := call.args.String()
		if accumulated == "" {
			accumulated = "{}"
		}
		raw = json.RawMessage(accumulated)
	}
	call.final = raw
	call.valid = json.Valid(raw)
	if call.valid && p.h.OnToolCall != nil {
		p.h.OnToolCall(ToolCall{ID: call.id, Name: call.name, Args: call.final})
	}
}

// finishStructured resolves the final document once the stream ends.
// Invalid final JSON is not fatal here; the engine owns the retry policy
// and reads the failure from Structured.
func (p *StreamParser) finishStructured() {
	if !p.structured {
		return
	}
	doc, ok := p.completer.Complete()
	if !ok {
		return
	}
	p.finalDoc = doc
	if p.h.OnParsedComplete != nil {
		p.h.OnParsedComplete(doc)
	}
}

// Response assembles the final model response: accumulated text plus the
// tool-call batch in slot order. Calls whose arguments never formed valid
// JSON are included; argument validation downstream turns them into
// per-call errors without touching the rest of the batch.
func (p *StreamParser) Response() *ModelResponse {
	ordered := make([]*partialToolCall, len(p.calls))
	copy(ordered, p.calls)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].index < ordered[b].index })
	var calls []ToolCall
	for _, c := range ordered {
		final := c.final
		if final == nil {
			final = json.RawMessage(c.args.String())
		}
		calls = append(calls, ToolCall{ID: c.id, Name: c.name, Args: final})
	}
	return &ModelResponse{Text: p.text.String(), ToolCalls: calls, Usage: p.usage}
}

// Structured returns the final parsed document in structured mode. ok is
// false when the text never formed valid JSON.
func (p *StreamParser) Structured() (json.RawMessage, bool) {
	return p.finalDoc, p.finalDoc != nil
}

// Err returns the stream-fatal error observed, if any.
func (p *StreamParser) Err() *RunError { return p.parseErr }

// Done reports whether the response completed or errored.
func (p *StreamParser) Done() bool { return p.done }

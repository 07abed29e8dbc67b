package haven

import "encoding/json"

// jsonCompleter tracks a streamed JSON document byte by byte and
// synthesizes, on demand, the minimal completion tail that turns the
// accumulated prefix into strict JSON: close the open string, drop a
// dangling comma or key-without-value, then close open arrays and objects
// in LIFO order. The tail is a transient interpretation artifact; it is
// never written anywhere durable.
//
// When the document's root is an object, the completer also records which
// top-level keys closed in the original, un-augmented bytes. Partial
// structured-output emission projects exactly those keys: a value still
// being streamed never appears in a partial view.
type jsonCompleter struct {
	buf []byte

	inString  bool
	escaped   bool
	keyString bool

	stack []jsonFrame

	started      bool
	rootIsObject bool
	rootClosed   bool

	closedKeys []string
	closedSet  map[string]struct{}
}

type frameState int

const (
	objWantKeyOrClose frameState = iota
	objWantColon
	objWantValue
	objInValue
	objAfterValue
	arrWantValueOrClose
	arrInValue
	arrAfterValue
)

type jsonFrame struct {
	kind  byte // '{' or '['
	state frameState
	// memberStart is the buffer offset where the current member (object) or
	// element (array) begins; -1 when none is in progress.
	memberStart int
	// raw quoted bounds of the current member's key, object frames only.
	keyStart, keyEnd int
}

func newJSONCompleter() *jsonCompleter {
	return &jsonCompleter{closedSet: make(map[string]struct{})}
}

// Write feeds the next delta.
func (c *jsonCompleter) Write(delta string) {
	for i := 0; i < len(delta); i++ {
		off := len(c.buf)
		c.buf = append(c.buf, delta[i])
		c.step(delta[i], off)
	}
}

func (c *jsonCompleter) step(b byte, off int) {
	if c.inString {
		switch {
		case c.escaped:
			c.escaped = false
		case b == '\\':
			c.escaped = true
		case b == '"':
			c.inString = false
			if c.keyString {
				c.keyString = false
				if top := c.top(); top != nil {
					top.keyEnd = off + 1
					top.state = objWantColon
				}
			} else {
				c.valueClosed(off + 1)
			}
		}
		return
	}

	switch b {
	case ' ', '\t', '\n', '\r':
		c.terminateScalar()
	case '"':
		c.inString = true
		c.escaped = false
		top := c.top()
		switch {
		case top == nil:
			c.markStarted(false)
		case top.kind == '{' && top.state == objWantKeyOrClose:
			c.keyString = true
			top.memberStart = off
			top.keyStart = off
		case top.kind == '{' && top.state == objWantValue:
			// string value in progress; closes via valueClosed
		case top.kind == '[':
			if top.memberStart < 0 {
				top.memberStart = off
			}
			top.state = arrWantValueOrClose
		}
	case '{':
		c.markStarted(true)
		if top := c.top(); top != nil && top.kind == '[' && top.memberStart < 0 {
			top.memberStart = off
		}
		c.stack = append(c.stack, jsonFrame{kind: '{', state: objWantKeyOrClose, memberStart: -1})
	case '[':
		c.markStarted(false)
		if top := c.top(); top != nil && top.kind == '[' && top.memberStart < 0 {
			top.memberStart = off
		}
		c.stack = append(c.stack, jsonFrame{kind: '[', state: arrWantValueOrClose, memberStart: -1})
	case '}', ']':
		c.terminateScalar()
		if len(c.stack) > 0 {
			c.stack = c.stack[:len(c.stack)-1]
		}
		c.valueClosed(off + 1)
	case ':':
		if top := c.top(); top != nil && top.kind == '{' && top.state == objWantColon {
			top.state = objWantValue
		}
	case ',':
		c.terminateScalar()
		if top := c.top(); top != nil {
			if top.kind == '{' && top.state == objAfterValue {
				top.state = objWantKeyOrClose
				top.memberStart = -1
			} else if top.kind == '[' && top.state == arrAfterValue {
				top.state = arrWantValueOrClose
				top.memberStart = -1
			}
		}
	default:
		// scalar byte: number, true, false, null
		c.markStarted(false)
		top := c.top()
		switch {
		case top == nil:
		case top.kind == '{' && top.state == objWantValue:
			top.state = objInValue
		case top.kind == '[' && (top.state == arrWantValueOrClose || top.state == arrAfterValue):
			if top.memberStart < 0 {
				top.memberStart = off
			}
			top.state = arrInValue
		}
	}
}

func (c *jsonCompleter) markStarted(object bool) {
	if !c.started {
		c.started = true
		c.rootIsObject = object
	}
}

func (c *jsonCompleter) top() *jsonFrame {
	if len(c.stack) == 0 {
		return nil
	}
	return &c.stack[len(c.stack)-1]
}

// terminateScalar closes an in-progress number/true/false/null value. The
// terminator byte itself (whitespace, comma, closing bracket) has already
// arrived, which is what makes the scalar count as closed in the original
// buffer.
func (c *jsonCompleter) terminateScalar() {
	top := c.top()
	if top == nil {
		return
	}
	if top.kind == '{' && top.state == objInValue {
		top.state = objAfterValue
		c.recordClosedKey(top)
	} else if top.kind == '[' && top.state == arrInValue {
		top.state = arrAfterValue
	}
}

// valueClosed runs when a string value's closing quote or a container's
// closing bracket lands at endOff.
func (c *jsonCompleter) valueClosed(endOff int) {
	top := c.top()
	if top == nil {
		if c.started && len(c.stack) == 0 {
			c.rootClosed = true
		}
		return
	}
	if top.kind == '{' {
		top.state = objAfterValue
		c.recordClosedKey(top)
	} else {
		top.state = arrAfterValue
	}
}

// recordClosedKey notes a completed top-level member. Only the root object's
// direct members participate in partial projection.
func (c *jsonCompleter) recordClosedKey(frame *jsonFrame) {
	if !c.rootIsObject || len(c.stack) == 0 || frame != &c.stack[0] {
		return
	}
	if frame.keyEnd <= frame.keyStart {
		return
	}
	var key string
	if err := json.Unmarshal(c.buf[frame.keyStart:frame.keyEnd], &key); err != nil {
		return
	}
	if _, seen := c.closedSet[key]; seen {
		return
	}
	c.closedSet[key] = struct{}{}
	c.closedKeys = append(c.closedKeys, key)
}

// ClosedKeyCount reports how many top-level keys have fully closed. The
// stream parser emits a partial view only when this grows.
func (c *jsonCompleter) ClosedKeyCount() int { return len(c.closedKeys) }

// Completed synthesizes the completion tail and returns strict-parseable
// bytes, or nil when even the synthesized text does not parse (a scalar cut
// mid-token, for example).
func (c *jsonCompleter) Completed() []byte {
	out := append([]byte(nil), c.buf...)
	drop := -1

	if c.inString {
		if c.escaped {
			out = out[:len(out)-1]
		}
		if c.keyString {
			if top := c.top(); top != nil {
				drop = top.memberStart
			}
		} else {
			out = append(out, '"')
		}
	} else if top := c.top(); top != nil && top.kind == '{' {
		// key without a complete value: drop the member before closing
		if top.state == objWantColon || top.state == objWantValue || top.state == objInValue {
			drop = top.memberStart
		}
	}
	if drop >= 0 && drop <= len(out) {
		out = out[:drop]
	}

	out = trimTrailingSpace(out)
	if len(out) > 0 && out[len(out)-1] == ',' {
		out = trimTrailingSpace(out[:len(out)-1])
	}

	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i].kind == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}

	if !json.Valid(out) {
		return nil
	}
	return out
}

// Partial projects the closed top-level keys out of the synthesized
// completion. The bool reports whether a valid projection exists.
func (c *jsonCompleter) Partial() (map[string]json.RawMessage, bool) {
	if !c.rootIsObject {
		return nil, false
	}
	completed := c.Completed()
	if completed == nil {
		return nil, false
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(completed, &full); err != nil {
		return nil, false
	}
	out := make(map[string]json.RawMessage, len(c.closedKeys))
	for _, key := range c.closedKeys {
		if v, ok := full[key]; ok {
			out[key] = v
		}
	}
	return out, true
}

// Raw returns the accumulated original bytes.
func (c *jsonCompleter) Raw() []byte { return c.buf }

// Complete strictly parses the full accumulated buffer, with no synthesized
// tail. Used once the stream has ended.
func (c *jsonCompleter) Complete() (json.RawMessage, bool) {
	if !json.Valid(c.buf) {
		return nil, false
	}
	return json.RawMessage(append([]byte(nil), c.buf...)), true
}

func trimTrailingSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case ' ', '\t', '\n', '\r':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

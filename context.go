package haven

import (
	"encoding/json"
	"sync"
)

// RunContext is the per-run state: an append-only message log, a turn
// counter, and a string-keyed value map for caller state (user IDs, session
// IDs, feature flags). One run owns its RunContext exclusively; the engine
// is the only writer while a run is in flight. Reads are safe from any
// goroutine, which is what tools receive through ContextView.
type RunContext struct {
	mu       sync.RWMutex
	messages []Message
	turn     int
	state    map[string]any
	memory   Memory
}

// NewRunContext returns an empty context ready to be passed to a run.
func NewRunContext() *RunContext {
	return &RunContext{state: make(map[string]any)}
}

// Append adds a message to the log, assigns its sequence index, and returns
// the stored value. Messages are never mutated or removed afterwards.
func (rc *RunContext) Append(msg Message) Message {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	msg.Seq = len(rc.messages)
	rc.messages = append(rc.messages, msg)
	return msg
}

// Messages returns a copy of the full log in insertion order.
func (rc *RunContext) Messages() []Message {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]Message, len(rc.messages))
	copy(out, rc.messages)
	return out
}

// Last returns the most recent message and true, or false on an empty log.
func (rc *RunContext) Last() (Message, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if len(rc.messages) == 0 {
		return Message{}, false
	}
	return rc.messages[len(rc.messages)-1], true
}

// Len reports the number of messages in the log.
func (rc *RunContext) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.messages)
}

// Turn reports how many LLM calls this run has issued.
func (rc *RunContext) Turn() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.turn
}

func (rc *RunContext) advanceTurn() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.turn++
	return rc.turn
}

func (rc *RunContext) setTurn(n int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.turn = n
}

// Set stores a caller state value under key.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == nil {
		rc.state = make(map[string]any)
	}
	rc.state[key] = value
}

// Get retrieves a caller state value. The second return reports presence.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.state[key]
	return v, ok
}

// GetString retrieves a string state value; missing or mistyped keys return "".
func (rc *RunContext) GetString(key string) string {
	v, ok := rc.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetInt retrieves an int state value. float64 values (the JSON number type
// after a snapshot restore) are truncated.
func (rc *RunContext) GetInt(key string) int {
	v, ok := rc.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// GetBool retrieves a bool state value; missing or mistyped keys return false.
func (rc *RunContext) GetBool(key string) bool {
	v, ok := rc.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Window returns a view of the log bounded by the given policy. The view is
// what payload builders consume; the underlying log is untouched. A nil
// policy returns the full log.
func (rc *RunContext) Window(policy WindowPolicy) []Message {
	msgs := rc.Messages()
	if policy == nil {
		return msgs
	}
	return policy.Apply(msgs)
}

// Memory returns the memory collaborator for this run, or nil when none is
// configured. The engine installs a per-run serializing wrapper before
// tools can reach it.
func (rc *RunContext) Memory() Memory {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.memory
}

func (rc *RunContext) attachMemory(m Memory) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.memory = m
}

// view wraps the context in the read-only handle granted to tools.
func (rc *RunContext) view() ContextView {
	return ContextView{rc: rc}
}

// clone deep-copies the context. Message structs are value-copied along with
// their call and meta slices so later appends or snapshot edits cannot alias
// live state.
func (rc *RunContext) clone() *RunContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := &RunContext{
		messages: make([]Message, len(rc.messages)),
		turn:     rc.turn,
		state:    make(map[string]any, len(rc.state)),
		memory:   rc.memory,
	}
	for i, m := range rc.messages {
		out.messages[i] = copyMessage(m)
	}
	for k, v := range rc.state {
		out.state[k] = v
	}
	return out
}

func copyMessage(m Message) Message {
	if len(m.ToolCalls) > 0 {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			calls[i] = ToolCall{ID: c.ID, Name: c.Name, Args: append(json.RawMessage(nil), c.Args...)}
		}
		m.ToolCalls = calls
	}
	if m.Handoff != nil {
		h := *m.Handoff
		m.Handoff = &h
	}
	if m.Meta != nil {
		meta := make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			meta[k] = v
		}
		m.Meta = meta
	}
	return m
}

// stateJSON serializes the state map for snapshots. Values that do not
// marshal are dropped; snapshots carry data, not live handles.
func (rc *RunContext) stateJSON() map[string]json.RawMessage {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if len(rc.state) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(rc.state))
	for k, v := range rc.state {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out
}

func (rc *RunContext) restoreState(state map[string]json.RawMessage) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == nil {
		rc.state = make(map[string]any, len(state))
	}
	for k, raw := range state {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		rc.state[k] = v
	}
}

// ContextView is the handle a tool receives during execution: read access to
// the log, turn counter, and caller state, plus the memory collaborator.
// Tools influence the run only through their returned payload.
type ContextView struct {
	rc *RunContext
}

// Messages returns a copy of the conversation so far.
func (v ContextView) Messages() []Message { return v.rc.Messages() }

// Turn reports the current turn number.
func (v ContextView) Turn() int { return v.rc.Turn() }

// Get retrieves a caller state value.
func (v ContextView) Get(key string) (any, bool) { return v.rc.Get(key) }

// GetString retrieves a string state value.
func (v ContextView) GetString(key string) string { return v.rc.GetString(key) }

// Memory returns the run's memory collaborator, or nil.
func (v ContextView) Memory() Memory { return v.rc.Memory() }

package haven

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one item in the conversation record. The variant is determined
// by Role plus which payload fields are set: user/system/assistant text,
// assistant tool-call batches (ToolCalls), tool results (ToolCallID +
// Status), and handoff markers (Handoff). Messages are immutable once
// appended to a RunContext; Seq is the creation order index assigned at
// append time.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Status     ResultStatus      `json:"status,omitempty"`
	Handoff    *HandoffRecord    `json:"handoff,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Seq        int               `json:"seq"`
}

// HandoffRecord marks an LLM-initiated transfer of control in the message
// log. It closes the source agent's portion of the transcript.
type HandoffRecord struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// ToolCall is a single call emitted by the LLM within one turn's batch.
// Args is the raw JSON argument object; it may embed $ref:<call_id> or
// $ref:<call_id>.<json_pointer> tokens inside string values to reference
// the payload of another call in the same batch.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ResultStatus is the outcome of one tool call.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultSkipped ResultStatus = "skipped"
)

// ToolCallResult is the value produced for one ToolCall. Exactly one result
// exists per call in an executed batch, appended to the context in the
// batch's original call order regardless of completion order.
type ToolCallResult struct {
	CallID       string          `json:"call_id"`
	Status       ResultStatus    `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
}

// Usage reports token counts for one LLM call, forwarded unchanged from the
// transport.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// UserMessage builds a user text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// AssistantMessage builds an assistant text message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// AssistantToolCalls builds an assistant message carrying a tool-call batch.
// Text emitted alongside the calls, if any, is preserved in Content.
func AssistantToolCalls(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResultMessage converts an executed ToolCallResult into its transcript
// form. Content carries the payload for the LLM to read on the next turn;
// errors and skips carry the reason instead.
func ToolResultMessage(res ToolCallResult) Message {
	content := string(res.Payload)
	if res.Status != ResultSuccess {
		content = res.ErrorMessage
		if content == "" {
			content = string(res.Status)
		}
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: res.CallID,
		Status:     res.Status,
	}
}

// HandoffMessage builds the transcript marker for a control transfer.
func HandoffMessage(target, reason string) Message {
	return Message{Role: RoleAssistant, Handoff: &HandoffRecord{Target: target, Reason: reason}}
}

// marshalPayload renders a tool's return value to a JSON payload. Strings
// pass through as JSON strings; nil becomes null.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("tool payload is not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool payload: %w", err)
	}
	return b, nil
}

package haven

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a run failure. Kinds are stable strings so they can be
// matched by callers and serialized into results and telemetry.
type ErrorKind string

const (
	ErrKindInputGuardrail  ErrorKind = "input_guardrail_reject"
	ErrKindOutputGuardrail ErrorKind = "output_guardrail_reject"
	ErrKindMaxTurns        ErrorKind = "max_turns_exceeded"
	ErrKindTransport       ErrorKind = "llm_transport_error"
	ErrKindStreamTimeout   ErrorKind = "llm_stream_timeout"
	ErrKindToolUnknown     ErrorKind = "tool_unknown"
	ErrKindToolBadArgs     ErrorKind = "tool_bad_args"
	ErrKindToolExecution   ErrorKind = "tool_execution_error"
	ErrKindUnresolvedRef   ErrorKind = "tool_unresolved_ref"
	ErrKindCycle           ErrorKind = "tool_cycle_detected"
	ErrKindStructuredParse ErrorKind = "structured_parse_error"
	ErrKindSnapshotVersion ErrorKind = "snapshot_incompatible"
	ErrKindCanceled        ErrorKind = "canceled"
	ErrKindSubAgentDepth   ErrorKind = "sub_agent_depth_exceeded"
	ErrKindDecisionMissing ErrorKind = "confirmation_missing"
)

// RunError is the single error type crossing the engine's public surface.
// It is a value carried inside RunResult, never a panic and never a bare
// error return for run-level failures.
type RunError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	cause     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As chains.
func (e *RunError) Unwrap() error { return e.cause }

// runErrorf builds a RunError with a formatted message.
func runErrorf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapRunError attaches a cause. The cause is not serialized; Message must
// already say everything a remote reader needs.
func wrapRunError(kind ErrorKind, cause error, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsRunError extracts a *RunError from an error chain, if present.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrDuplicateTool is returned by ToolRegistry.Declare when a tool name is
// already registered. Duplicate names are a configuration error and fail
// fast rather than shadowing.
var ErrDuplicateTool = errors.New("haven: duplicate tool name")

// ErrHTTP is returned by transports for non-success HTTP responses. Status
// drives the retry classification in the retry wrapper; RetryAfter, when the
// server sent the header, floors the backoff delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

// ParseRetryAfter interprets a Retry-After header value: either delta-seconds
// ("120") or an HTTP-date. Unparseable or past values yield 0.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

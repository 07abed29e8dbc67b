package haven

import (
	"sync"
	"time"
)

// Telemetry event names, emitted in lifecycle order over one run.
const (
	EventRunStart        = "run_start"
	EventTurnStart       = "turn_start"
	EventLLMCallStart    = "llm_call_start"
	EventLLMCallEnd      = "llm_call_end"
	EventToolCallStart   = "tool_call_start"
	EventToolCallEnd     = "tool_call_end"
	EventGuardrailReject = "guardrail_reject"
	EventHandoff         = "handoff"
	EventPause           = "pause"
	EventResume          = "resume"
	EventRunEnd          = "run_end"
)

// Event is one telemetry emission. Fields vary by event name: turn numbers,
// tool names and call IDs, usage counts, terminal status.
type Event struct {
	Name    string         `json:"name"`
	RunID   string         `json:"run_id"`
	AgentID string         `json:"agent_id"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventSink receives engine telemetry. The observer package provides an
// OTEL-backed implementation; any collector works. Emit is called from a
// drain goroutine owned by the run, never from the hot loop, so a slow sink
// delays delivery but cannot stall the engine — and once the run's bounded
// queue fills, the oldest queued events are dropped.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// RunTelemetry aggregates per-run counters, reported on every RunResult.
type RunTelemetry struct {
	Turns     int           `json:"turns"`
	LLMCalls  int           `json:"llm_calls"`
	ToolCalls int           `json:"tool_calls"`
	Usage     Usage         `json:"usage"`
	Elapsed   time.Duration `json:"elapsed"`
}

// eventQueueSize bounds the queue between the run loop and a slow sink.
const eventQueueSize = 256

// telemetry is the per-run emitter. emit never blocks: events go onto a
// bounded queue drained by one goroutine; when the queue is full the oldest
// event is dropped to make room. All emit calls happen on the run goroutine;
// close flushes the queue and waits for the drain goroutine to exit.
type telemetry struct {
	runID   string
	agentID string
	ch      chan Event
	done    chan struct{}
	once    sync.Once
}

func newTelemetry(sink EventSink, runID, agentID string) *telemetry {
	t := &telemetry{runID: runID, agentID: agentID}
	if sink == nil {
		return t
	}
	t.ch = make(chan Event, eventQueueSize)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		for ev := range t.ch {
			sink.Emit(ev)
		}
	}()
	return t
}

func (t *telemetry) emit(name string, fields map[string]any) {
	if t == nil || t.ch == nil {
		return
	}
	ev := Event{Name: name, RunID: t.runID, AgentID: t.agentID, Time: time.Now(), Fields: fields}
	select {
	case t.ch <- ev:
	default:
		// Queue full: drop the oldest event, then try once more. A second
		// full queue means the drain goroutine raced us to refill; dropping
		// the new event is acceptable at that point.
		select {
		case <-t.ch:
		default:
		}
		select {
		case t.ch <- ev:
		default:
		}
	}
}

// close flushes queued events to the sink and releases the drain goroutine.
func (t *telemetry) close() {
	if t == nil || t.ch == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
	<-t.done
}

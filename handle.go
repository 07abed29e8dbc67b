package haven

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a background run.
type RunState int32

const (
	// RunPending indicates the run has been started but the loop has not begun.
	RunPending RunState = iota
	// RunActive indicates the loop is in progress.
	RunActive
	// RunCompleted indicates the run reached a terminal result (ok, paused,
	// or handoff).
	RunCompleted
	// RunFailed indicates the run ended with StatusError.
	RunFailed
	// RunCancelled indicates the run was cancelled via Cancel() or the parent
	// context.
	RunCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunActive:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final (completed, failed, or
// cancelled).
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunHandle tracks a background run started with Start or InteractStream.
// All methods are safe for concurrent use.
type RunHandle struct {
	id     string
	agent  string
	state  atomic.Int32
	result *RunResult
	done   chan struct{}
	cancel context.CancelFunc
}

// spawn launches the run in a background goroutine and returns immediately
// with a handle for tracking, awaiting, and cancelling. The parent ctx
// controls the run's lifetime.
func (e *Engine) spawn(ctx context.Context, input string, sh StreamHandler, cfg runConfig) *RunHandle {
	logger := e.cfg.logger
	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     NewID(),
		agent:  e.def.Name,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(RunPending))

	logger.Debug("run spawned", "agent", h.agent, "handle_id", h.id)

	go func() {
		defer cancel() // release context resources on completion
		defer func() {
			if p := recover(); p != nil {
				logger.Error("spawned run panic", "agent", h.agent, "handle_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.result = &RunResult{
					Status: StatusError,
					Error:  runErrorf(ErrKindToolExecution, "run panic: %v", p),
				}
				h.state.Store(int32(RunFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(RunActive))
		start := time.Now()
		res := e.execute(ctx, input, sh, cfg)

		// Write the result before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, State,
		// Result) are guaranteed to see the write after the close.
		h.result = res
		switch {
		case res.Status == StatusError && res.Error.Kind == ErrKindCanceled:
			h.state.Store(int32(RunCancelled))
			logger.Info("spawned run cancelled", "agent", h.agent, "handle_id", h.id, "duration", time.Since(start))
		case res.Status == StatusError:
			h.state.Store(int32(RunFailed))
			logger.Warn("spawned run failed", "agent", h.agent, "handle_id", h.id, "kind", string(res.Error.Kind), "duration", time.Since(start))
		default:
			h.state.Store(int32(RunCompleted))
			logger.Info("spawned run completed", "agent", h.agent, "handle_id", h.id,
				"status", string(res.Status),
				"duration", time.Since(start),
				"tokens.input", res.Telemetry.Usage.InputTokens,
				"tokens.output", res.Telemetry.Usage.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique handle identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// Agent returns the name of the agent being run.
func (h *RunHandle) Agent() string { return h.agent }

// State returns the current execution state.
// If the state is terminal, State blocks until Done() is closed (nanoseconds)
// to guarantee that Result() returns valid data when State().IsTerminal() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes (any terminal state).
// Composable with select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled. A cancelled ctx
// yields a canceled error result; the run itself keeps its own lifetime.
func (h *RunHandle) Await(ctx context.Context) *RunResult {
	select {
	case <-h.done:
		return h.result
	case <-ctx.Done():
		return &RunResult{
			Status: StatusError,
			Error:  wrapRunError(ErrKindCanceled, ctx.Err(), "await cancelled"),
		}
	}
}

// Result returns the run result. Only meaningful after Done() is closed;
// before completion it returns nil.
func (h *RunHandle) Result() *RunResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Cancel requests cancellation. Non-blocking. The run receives a cancelled
// context; the handle transitions to RunCancelled once the loop returns.
func (h *RunHandle) Cancel() { h.cancel() }

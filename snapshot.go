package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot wire versioning. A reader accepts versions in
// [minSnapshotVersion, snapshotVersion]; anything else is rejected with
// snapshot_incompatible before any state is touched.
const (
	snapshotVersion    = 1
	minSnapshotVersion = 1
)

// engineVersion is stamped into snapshots for diagnostics. It is
// informational; compatibility is governed by the snapshot version alone.
const engineVersion = "haven/0.1"

const phasePaused = "paused"

// Decision is an operator's ruling on one pending tool call.
type Decision struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

// PendingCall is one batch member awaiting execution in a paused run.
type PendingCall struct {
	Call                 ToolCall  `json:"call"`
	RequiresConfirmation bool      `json:"requires_confirmation,omitempty"`
	Decision             *Decision `json:"decision,omitempty"`
}

// SnapshotContext is the serialized run context.
type SnapshotContext struct {
	Messages []Message                  `json:"messages"`
	Turn     int                        `json:"turn"`
	State    map[string]json.RawMessage `json:"state,omitempty"`
}

// RunSnapshot is the complete, self-describing image of a paused run. It
// contains no live handles and no credentials; any engine built from the
// same agent definition can resume it, on any process. Top-level fields a
// reader does not recognize survive a load/store round trip untouched.
type RunSnapshot struct {
	ID             string                    `json:"id"`
	Version        int                       `json:"version"`
	AgentID        string                    `json:"agent_id"`
	CreatedAt      time.Time                 `json:"created_at"`
	EngineVersion  string                    `json:"engine_version"`
	Phase          string                    `json:"phase"`
	Context        SnapshotContext           `json:"context"`
	PendingBatch   []PendingCall             `json:"pending_batch,omitempty"`
	PartialResults map[string]ToolCallResult `json:"partial_results,omitempty"`

	extra map[string]json.RawMessage
}

// Approve records an approval for the pending call. The note travels to the
// tool's transcript entry only on rejection; for approvals it is an audit
// comment kept on the decision itself.
func (s *RunSnapshot) Approve(callID, note string) error {
	return s.decide(callID, Decision{Approved: true, Note: note})
}

// Reject records a rejection. On resume the call is skipped and the note is
// surfaced to the LLM as the skip reason.
func (s *RunSnapshot) Reject(callID, note string) error {
	return s.decide(callID, Decision{Approved: false, Note: note})
}

func (s *RunSnapshot) decide(callID string, d Decision) error {
	for i := range s.PendingBatch {
		if s.PendingBatch[i].Call.ID == callID {
			s.PendingBatch[i].Decision = &d
			return nil
		}
	}
	return fmt.Errorf("haven: no pending call %q in snapshot", callID)
}

// Decided reports whether every confirmation-gated pending call carries a
// decision, and names the first one that does not.
func (s *RunSnapshot) Decided() (string, bool) {
	for _, p := range s.PendingBatch {
		if p.RequiresConfirmation && p.Decision == nil {
			return p.Call.ID, false
		}
	}
	return "", true
}

// snapshotFields mirrors RunSnapshot for (un)marshaling without recursion.
type snapshotFields struct {
	ID             string                    `json:"id"`
	Version        int                       `json:"version"`
	AgentID        string                    `json:"agent_id"`
	CreatedAt      time.Time                 `json:"created_at"`
	EngineVersion  string                    `json:"engine_version"`
	Phase          string                    `json:"phase"`
	Context        SnapshotContext           `json:"context"`
	PendingBatch   []PendingCall             `json:"pending_batch,omitempty"`
	PartialResults map[string]ToolCallResult `json:"partial_results,omitempty"`
}

var snapshotKnownKeys = map[string]bool{
	"id": true, "version": true, "agent_id": true, "created_at": true,
	"engine_version": true, "phase": true, "context": true,
	"pending_batch": true, "partial_results": true,
}

// MarshalJSON writes the known fields plus any unknown fields captured at
// read time, so snapshots written by newer engines survive a round trip
// through this one.
func (s *RunSnapshot) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(snapshotFields{
		ID: s.ID, Version: s.Version, AgentID: s.AgentID,
		CreatedAt: s.CreatedAt, EngineVersion: s.EngineVersion, Phase: s.Phase,
		Context: s.Context, PendingBatch: s.PendingBatch, PartialResults: s.PartialResults,
	})
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if !snapshotKnownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (s *RunSnapshot) UnmarshalJSON(data []byte) error {
	var f snapshotFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	s.ID, s.Version, s.AgentID = f.ID, f.Version, f.AgentID
	s.CreatedAt, s.EngineVersion, s.Phase = f.CreatedAt, f.EngineVersion, f.Phase
	s.Context, s.PendingBatch, s.PartialResults = f.Context, f.PendingBatch, f.PartialResults
	s.extra = nil
	for k, v := range all {
		if !snapshotKnownKeys[k] {
			if s.extra == nil {
				s.extra = make(map[string]json.RawMessage)
			}
			s.extra[k] = v
		}
	}
	return nil
}

// DecodeSnapshot parses a snapshot document.
func DecodeSnapshot(data []byte) (*RunSnapshot, error) {
	var s RunSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("haven: decode snapshot: %w", err)
	}
	return &s, nil
}

// checkVersion gates resumption on the wire version.
func (s *RunSnapshot) checkVersion() *RunError {
	if s.Version < minSnapshotVersion || s.Version > snapshotVersion {
		return runErrorf(ErrKindSnapshotVersion,
			"snapshot version %d outside supported range [%d, %d]",
			s.Version, minSnapshotVersion, snapshotVersion)
	}
	return nil
}

// captureSnapshot freezes a paused run. The context is deep-copied first so
// later mutations of the live run cannot leak into the snapshot.
func captureSnapshot(agentID string, rc *RunContext, batch []ToolCall, confirm map[string]bool, partial map[string]ToolCallResult) *RunSnapshot {
	frozen := rc.clone()
	snap := &RunSnapshot{
		ID:            NewID(),
		Version:       snapshotVersion,
		AgentID:       agentID,
		CreatedAt:     time.Now().UTC(),
		EngineVersion: engineVersion,
		Phase:         phasePaused,
		Context: SnapshotContext{
			Messages: frozen.Messages(),
			Turn:     frozen.Turn(),
			State:    frozen.stateJSON(),
		},
	}
	for _, call := range batch {
		snap.PendingBatch = append(snap.PendingBatch, PendingCall{
			Call:                 call,
			RequiresConfirmation: confirm[call.ID],
		})
	}
	if len(partial) > 0 {
		snap.PartialResults = make(map[string]ToolCallResult, len(partial))
		for id, res := range partial {
			snap.PartialResults[id] = res
		}
	}
	return snap
}

// contextFromSnapshot rebuilds a live RunContext from serialized state.
func contextFromSnapshot(snap *RunSnapshot) *RunContext {
	rc := NewRunContext()
	for _, msg := range snap.Context.Messages {
		rc.Append(msg)
	}
	rc.setTurn(snap.Context.Turn)
	rc.restoreState(snap.Context.State)
	return rc
}

// SnapshotStore persists paused runs so approval workflows survive process
// restarts. Implementations: store/sqlite, store/postgres.
type SnapshotStore interface {
	// Save writes or replaces the snapshot under its ID.
	Save(ctx context.Context, snap *RunSnapshot) error
	// Load retrieves a snapshot by ID.
	Load(ctx context.Context, id string) (*RunSnapshot, error)
	// ListPending returns metadata for stored snapshots, newest first,
	// filtered by agent when agentID is non-empty.
	ListPending(ctx context.Context, agentID string) ([]SnapshotInfo, error)
	// Delete removes a snapshot once it has been resumed or abandoned.
	Delete(ctx context.Context, id string) error
}

// SnapshotInfo is the listing row for a stored snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	Pending   int       `json:"pending"`
}

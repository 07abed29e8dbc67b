package haven

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func pausedSnapshot() *RunSnapshot {
	return &RunSnapshot{
		ID:            "snap-1",
		Version:       snapshotVersion,
		AgentID:       "support",
		CreatedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		EngineVersion: engineVersion,
		Phase:         phasePaused,
		Context: SnapshotContext{
			Messages: []Message{
				UserMessage("wire $500 to acct 991"),
				AssistantToolCalls("", []ToolCall{
					{ID: "c1", Name: "transfer_funds", Args: json.RawMessage(`{"amount":500}`)},
				}),
			},
			Turn:  1,
			State: map[string]json.RawMessage{"userId": json.RawMessage(`"u-7"`)},
		},
		PendingBatch: []PendingCall{
			{
				Call:                 ToolCall{ID: "c1", Name: "transfer_funds", Args: json.RawMessage(`{"amount":500}`)},
				RequiresConfirmation: true,
			},
		},
	}
}

// --- Codec tests ---

func TestSnapshotRoundTrip(t *testing.T) {
	snap := pausedSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if got.ID != snap.ID || got.Version != snap.Version || got.AgentID != snap.AgentID {
		t.Errorf("header fields changed: %+v", got)
	}
	if !got.CreatedAt.Equal(snap.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, snap.CreatedAt)
	}
	if got.Phase != phasePaused {
		t.Errorf("Phase = %q, want %q", got.Phase, phasePaused)
	}

	wantSeq := make([]Message, len(snap.Context.Messages))
	copy(wantSeq, snap.Context.Messages)
	if !reflect.DeepEqual(got.Context.Messages, wantSeq) {
		t.Errorf("messages changed in round trip:\n got %+v\nwant %+v", got.Context.Messages, wantSeq)
	}
	if got.Context.Turn != 1 {
		t.Errorf("Turn = %d, want 1", got.Context.Turn)
	}
	if !reflect.DeepEqual(got.PendingBatch, snap.PendingBatch) {
		t.Errorf("pending batch changed:\n got %+v\nwant %+v", got.PendingBatch, snap.PendingBatch)
	}
}

func TestSnapshotUnknownFieldsSurvive(t *testing.T) {
	doc := []byte(`{
		"id": "snap-future",
		"version": 1,
		"agent_id": "support",
		"created_at": "2026-01-02T03:04:05Z",
		"engine_version": "haven/9.9",
		"phase": "paused",
		"context": {"messages": [], "turn": 3},
		"resume_hints": {"priority": "high"}
	}`)

	snap, err := DecodeSnapshot(doc)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if snap.Context.Turn != 3 {
		t.Errorf("Turn = %d, want 3 (known fields still decode)", snap.Context.Turn)
	}

	out, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	hints, ok := raw["resume_hints"]
	if !ok {
		t.Fatal("unknown top-level field dropped in round trip")
	}
	if !jsonEqual(t, hints, []byte(`{"priority": "high"}`)) {
		t.Errorf("resume_hints = %s, want the original value", hints)
	}
}

// --- Decision tests ---

func TestSnapshotDecisions(t *testing.T) {
	snap := pausedSnapshot()

	if id, ok := snap.Decided(); ok || id != "c1" {
		t.Fatalf("Decided() = (%q, %v), want (c1, false) before any decision", id, ok)
	}

	if err := snap.Approve("c1", "verified with the account holder"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	d := snap.PendingBatch[0].Decision
	if d == nil || !d.Approved || d.Note != "verified with the account holder" {
		t.Errorf("decision = %+v, want an approval with the note", d)
	}
	if _, ok := snap.Decided(); !ok {
		t.Error("Decided() = false after approving the only gated call")
	}

	if err := snap.Reject("c1", "on second thought"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if snap.PendingBatch[0].Decision.Approved {
		t.Error("Reject did not replace the earlier approval")
	}

	if err := snap.Approve("ghost", ""); err == nil {
		t.Error("Approve on an unknown call id succeeded, want error")
	}
}

func TestSnapshotDecidedIgnoresUngatedCalls(t *testing.T) {
	snap := pausedSnapshot()
	snap.PendingBatch = append(snap.PendingBatch, PendingCall{
		Call: ToolCall{ID: "c2", Name: "get_balance"},
	})
	// Only c1 gates; c2 never needs a decision.
	if err := snap.Approve("c1", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if id, ok := snap.Decided(); !ok {
		t.Errorf("Decided() = (%q, false), want true with only ungated calls undecided", id)
	}
}

// --- Capture and restore ---

func TestCaptureSnapshotFreezesContext(t *testing.T) {
	rc := NewRunContext()
	rc.Append(UserMessage("hello"))
	rc.Append(AssistantToolCalls("", []ToolCall{{ID: "c1", Name: "t", Args: json.RawMessage(`{"n":1}`)}}))
	rc.setTurn(2)
	rc.Set("userId", "u-7")

	snap := captureSnapshot("agent", rc, []ToolCall{{ID: "c1", Name: "t"}}, map[string]bool{"c1": true}, nil)

	// Later mutations of the live run must not leak into the snapshot.
	rc.Append(AssistantMessage("afterthought"))
	rc.Set("userId", "someone-else")

	if len(snap.Context.Messages) != 2 {
		t.Errorf("snapshot has %d messages, want 2", len(snap.Context.Messages))
	}
	if string(snap.Context.State["userId"]) != `"u-7"` {
		t.Errorf("snapshot state = %s, want the value at capture time", snap.Context.State["userId"])
	}
	if snap.Context.Turn != 2 {
		t.Errorf("snapshot turn = %d, want 2", snap.Context.Turn)
	}
	if !snap.PendingBatch[0].RequiresConfirmation {
		t.Error("confirmation flag lost in capture")
	}
}

func TestContextFromSnapshotRestoresState(t *testing.T) {
	snap := pausedSnapshot()
	rc := contextFromSnapshot(snap)

	if rc.Len() != 2 {
		t.Fatalf("restored %d messages, want 2", rc.Len())
	}
	if rc.Turn() != 1 {
		t.Errorf("Turn = %d, want 1", rc.Turn())
	}
	if got := rc.GetString("userId"); got != "u-7" {
		t.Errorf(`GetString("userId") = %q, want "u-7"`, got)
	}
	// Sequence indexes are reassigned on append, preserving order.
	msgs := rc.Messages()
	for i, m := range msgs {
		if m.Seq != i {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, m.Seq, i)
		}
	}
}

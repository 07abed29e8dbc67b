package haven

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
)

// countingTool returns a fixed payload and counts executions, so pause and
// resume tests can prove when side effects did (not) happen.
func countingTool(name string, payload any, count *atomic.Int32, opts ...ToolOption) Tool {
	return NewTool(name, "counts executions", nil,
		func(context.Context, json.RawMessage, ContextView) (any, error) {
			count.Add(1)
			return payload, nil
		}, opts...)
}

func transferBatch() []ToolCall {
	return []ToolCall{{ID: "c1", Name: "transfer_funds", Args: json.RawMessage(`{"amount":500}`)}}
}

func TestConfirmationPausesRun(t *testing.T) {
	var executed atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("transfer_funds", map[string]any{"ok": true}, &executed, RequiresConfirmation())),
	}
	transport := &mockTransport{turns: []scriptedTurn{
		{toolCalls: transferBatch()},
		{text: "transfer complete"},
	}}
	e := mustEngine(t, def, transport)

	res := e.Interact(context.Background(), "wire $500 to acct 991")
	if res.Status != StatusPaused {
		t.Fatalf("Status = %q, want paused (error: %v)", res.Status, res.Error)
	}
	if executed.Load() != 0 {
		t.Fatal("gated tool executed before a decision")
	}

	snap := res.Snapshot
	if snap == nil {
		t.Fatal("paused result carries no snapshot")
	}
	if snap.AgentID != "approver" || snap.Phase != "paused" {
		t.Errorf("snapshot header = %q/%q, want approver/paused", snap.AgentID, snap.Phase)
	}
	if len(snap.PendingBatch) != 1 || !snap.PendingBatch[0].RequiresConfirmation {
		t.Fatalf("pending batch = %+v, want one gated call", snap.PendingBatch)
	}

	// The transcript ends on the assistant's tool-call message: the batch is
	// recorded, nothing has run.
	last, _ := res.Context.Last()
	if len(last.ToolCalls) != 1 {
		t.Errorf("last message = %+v, want the assistant tool-call message", last)
	}
	for _, m := range res.Context.Messages() {
		if m.Role == RoleTool {
			t.Errorf("tool result %+v in a paused transcript", m)
		}
	}
}

func TestResumeWithoutDecisionFails(t *testing.T) {
	var executed atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("transfer_funds", "done", &executed, RequiresConfirmation())),
	}
	transport := &mockTransport{turns: []scriptedTurn{{toolCalls: transferBatch()}}}
	e := mustEngine(t, def, transport)

	paused := e.Interact(context.Background(), "wire $500")
	if paused.Status != StatusPaused {
		t.Fatalf("Status = %q, want paused", paused.Status)
	}

	res := e.Resume(context.Background(), paused.Snapshot)
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if res.Error.Kind != ErrKindDecisionMissing {
		t.Errorf("Error.Kind = %q, want %q", res.Error.Kind, ErrKindDecisionMissing)
	}
	if executed.Load() != 0 {
		t.Error("undecided resume still executed the gated tool")
	}
	if transport.calls() != 1 {
		t.Errorf("transport calls = %d, want 1 (no LLM call on a refused resume)", transport.calls())
	}
}

// A paused run survives serialization and resumes on a different engine
// built from the same definition.
func TestResumeApprovedAcrossEngines(t *testing.T) {
	var executed atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("transfer_funds", map[string]any{"ok": true}, &executed, RequiresConfirmation())),
	}

	e1 := mustEngine(t, def, &mockTransport{turns: []scriptedTurn{{toolCalls: transferBatch()}}})
	paused := e1.Interact(context.Background(), "wire $500 to acct 991")
	if paused.Status != StatusPaused {
		t.Fatalf("Status = %q, want paused", paused.Status)
	}

	// Round-trip the snapshot through its wire form, the way an approval UI
	// or a store would hand it back.
	data, err := json.Marshal(paused.Snapshot)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if err := snap.Approve("c1", "verified"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	e2Transport := &mockTransport{turns: []scriptedTurn{{text: "transfer complete"}}}
	e2 := mustEngine(t, def, e2Transport)
	res := e2.Resume(context.Background(), snap)
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}
	if res.Output != "transfer complete" {
		t.Errorf("Output = %q", res.Output)
	}
	if executed.Load() != 1 {
		t.Errorf("tool executed %d times, want 1", executed.Load())
	}

	// user, assistant tool-call, tool result, assistant text.
	msgs := res.Context.Messages()
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "wire $500 to acct 991" {
		t.Errorf("msgs[0] = %q, want the original user input restored", msgs[0].Content)
	}
	if msgs[2].Role != RoleTool || msgs[2].Status != ResultSuccess {
		t.Errorf("msgs[2] = %+v, want a successful tool result", msgs[2])
	}
	if res.Telemetry.Turns != 2 {
		t.Errorf("Turns = %d, want 2 (one before the pause, one after)", res.Telemetry.Turns)
	}
}

func TestResumeRejectedSkipsCall(t *testing.T) {
	var executed atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("transfer_funds", "done", &executed, RequiresConfirmation())),
	}
	transport := &mockTransport{turns: []scriptedTurn{
		{toolCalls: transferBatch()},
		{text: "I did not perform the transfer."},
	}}
	e := mustEngine(t, def, transport)

	paused := e.Interact(context.Background(), "wire $500")
	if err := paused.Snapshot.Reject("c1", "amount exceeds the daily limit"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	res := e.Resume(context.Background(), paused.Snapshot)
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}
	if executed.Load() != 0 {
		t.Error("rejected call still executed")
	}

	// The skip, with the operator's note, is what the LLM saw next turn.
	msgs := res.Context.Messages()
	var skip *Message
	for i := range msgs {
		if msgs[i].Role == RoleTool {
			skip = &msgs[i]
			break
		}
	}
	if skip == nil {
		t.Fatal("no tool result in the resumed transcript")
	}
	if skip.Status != ResultSkipped {
		t.Errorf("skip.Status = %q, want skipped", skip.Status)
	}
	if skip.Content != "amount exceeds the daily limit" {
		t.Errorf("skip.Content = %q, want the rejection note", skip.Content)
	}
}

func TestPauseGatesWholeBatch(t *testing.T) {
	var gated, plain atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("transfer_funds", "sent", &gated, RequiresConfirmation()),
			countingTool("get_balance", "1200", &plain)),
	}
	transport := &mockTransport{turns: []scriptedTurn{
		{toolCalls: []ToolCall{
			{ID: "c1", Name: "get_balance"},
			{ID: "c2", Name: "transfer_funds", Args: json.RawMessage(`{"amount":500}`)},
		}},
		{text: "done"},
	}}
	e := mustEngine(t, def, transport)

	paused := e.Interact(context.Background(), "check then wire")
	if paused.Status != StatusPaused {
		t.Fatalf("Status = %q, want paused", paused.Status)
	}
	// The ungated sibling waits too: nothing in the batch runs before the
	// decision.
	if plain.Load() != 0 || gated.Load() != 0 {
		t.Fatalf("executions before decision: plain=%d gated=%d, want 0/0", plain.Load(), gated.Load())
	}
	if len(paused.Snapshot.PendingBatch) != 2 {
		t.Fatalf("pending batch length = %d, want 2", len(paused.Snapshot.PendingBatch))
	}
	if paused.Snapshot.PendingBatch[0].RequiresConfirmation {
		t.Error("ungated call marked as requiring confirmation")
	}

	if err := paused.Snapshot.Approve("c2", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	res := e.Resume(context.Background(), paused.Snapshot)
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}
	if plain.Load() != 1 || gated.Load() != 1 {
		t.Errorf("executions after approval: plain=%d gated=%d, want 1/1", plain.Load(), gated.Load())
	}

	// Results land in the batch's original order.
	var ids []string
	for _, m := range res.Context.Messages() {
		if m.Role == RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("result order = %v, want [c1 c2]", ids)
	}
}

func TestResumeSkipsCallsWithPriorResults(t *testing.T) {
	var ran atomic.Int32
	def := AgentDefinition{
		Name: "approver",
		Registry: mustRegistry(t,
			countingTool("lookup", "fresh", &ran),
			countingTool("transfer_funds", "sent", &ran, RequiresConfirmation())),
	}
	transport := &mockTransport{turns: []scriptedTurn{{text: "done"}}}
	e := mustEngine(t, def, transport)

	snap := &RunSnapshot{
		ID:      NewID(),
		Version: snapshotVersion,
		AgentID: "approver",
		Phase:   phasePaused,
		Context: SnapshotContext{
			Messages: []Message{
				UserMessage("look up then wire"),
				AssistantToolCalls("", []ToolCall{
					{ID: "c1", Name: "lookup"},
					{ID: "c2", Name: "transfer_funds"},
				}),
			},
			Turn: 1,
		},
		PendingBatch: []PendingCall{
			{Call: ToolCall{ID: "c1", Name: "lookup"}},
			{Call: ToolCall{ID: "c2", Name: "transfer_funds"}, RequiresConfirmation: true},
		},
		PartialResults: map[string]ToolCallResult{
			"c1": {CallID: "c1", Status: ResultSuccess, Payload: json.RawMessage(`"cached"`)},
		},
	}
	if err := snap.Approve("c2", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	res := e.Resume(context.Background(), snap)
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (error: %v)", res.Status, res.Error)
	}
	// Only the approved call runs; the prior result is reused as-is.
	if ran.Load() != 1 {
		t.Errorf("executions = %d, want 1", ran.Load())
	}
	var contents []string
	for _, m := range res.Context.Messages() {
		if m.Role == RoleTool {
			contents = append(contents, m.Content)
		}
	}
	if len(contents) != 2 || contents[0] != `"cached"` || contents[1] != `"sent"` {
		t.Errorf("tool result contents = %v, want the cached payload then the fresh one", contents)
	}
}

func TestResumeRejectsUnsupportedVersion(t *testing.T) {
	e := mustEngine(t, AgentDefinition{Name: "approver"}, &mockTransport{})
	snap := pausedSnapshot()
	snap.AgentID = "approver"
	snap.Version = snapshotVersion + 1

	res := e.Resume(context.Background(), snap)
	if res.Status != StatusError || res.Error.Kind != ErrKindSnapshotVersion {
		t.Fatalf("result = %q/%v, want snapshot_incompatible", res.Status, res.Error)
	}
}

func TestResumeRejectsForeignAgent(t *testing.T) {
	e := mustEngine(t, AgentDefinition{Name: "billing"}, &mockTransport{})
	snap := pausedSnapshot() // belongs to "support"

	res := e.Resume(context.Background(), snap)
	if res.Status != StatusError || res.Error.Kind != ErrKindSnapshotVersion {
		t.Fatalf("result = %q/%v, want snapshot_incompatible", res.Status, res.Error)
	}
}

func TestResumeNilSnapshot(t *testing.T) {
	e := mustEngine(t, AgentDefinition{Name: "approver"}, &mockTransport{})
	res := e.Resume(context.Background(), nil)
	if res.Status != StatusError || res.Error.Kind != ErrKindSnapshotVersion {
		t.Fatalf("result = %q/%v, want an error", res.Status, res.Error)
	}
}

package haven

import (
	"encoding/json"
	"strings"
	"testing"
)

func callIDs(wave []string) string { return strings.Join(wave, ",") }

// --- Compilation tests ---

func TestCompilePlanWaves(t *testing.T) {
	batch := []ToolCall{
		{ID: "a", Name: "fetch", Args: json.RawMessage(`{"city":"Paris"}`)},
		{ID: "b", Name: "convert", Args: json.RawMessage(`{"value":"$ref:a./temp"}`)},
		{ID: "c", Name: "fetch", Args: json.RawMessage(`{"city":"Oslo"}`)},
		{ID: "d", Name: "merge", Args: json.RawMessage(`{"x":"$ref:b","y":"$ref:c./temp"}`)},
	}
	plan, rerr := compilePlan(batch)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if len(plan.waves) != 3 {
		t.Fatalf("waves = %d, want 3", len(plan.waves))
	}
	if got := callIDs(plan.waves[0]); got != "a,c" {
		t.Errorf("wave 0 = %q, want a,c (independent calls, original order)", got)
	}
	if got := callIDs(plan.waves[1]); got != "b" {
		t.Errorf("wave 1 = %q, want b", got)
	}
	if got := callIDs(plan.waves[2]); got != "d" {
		t.Errorf("wave 2 = %q, want d", got)
	}
	if plan.nodes["d"].wave != 2 {
		t.Errorf("node d wave = %d, want 2", plan.nodes["d"].wave)
	}
}

func TestCompilePlanErrors(t *testing.T) {
	tests := []struct {
		name     string
		batch    []ToolCall
		wantKind ErrorKind
		wantMsg  string
	}{
		{
			name: "duplicate call id",
			batch: []ToolCall{
				{ID: "a", Name: "x"},
				{ID: "a", Name: "y"},
			},
			wantKind: ErrKindToolBadArgs,
			wantMsg:  `duplicate call id "a" in batch`,
		},
		{
			name: "self reference",
			batch: []ToolCall{
				{ID: "a", Name: "x", Args: json.RawMessage(`{"v":"$ref:a"}`)},
			},
			wantKind: ErrKindCycle,
			wantMsg:  `call "a" references itself`,
		},
		{
			name: "unknown reference",
			batch: []ToolCall{
				{ID: "a", Name: "x", Args: json.RawMessage(`{"v":"$ref:zz"}`)},
			},
			wantKind: ErrKindUnresolvedRef,
			wantMsg:  `call "a" references unknown call "zz"`,
		},
		{
			name: "two-call cycle",
			batch: []ToolCall{
				{ID: "a", Name: "x", Args: json.RawMessage(`{"v":"$ref:b"}`)},
				{ID: "b", Name: "y", Args: json.RawMessage(`{"v":"$ref:a"}`)},
			},
			wantKind: ErrKindCycle,
			wantMsg:  "cycle among calls a, b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rerr := compilePlan(tt.batch)
			if rerr == nil {
				t.Fatal("compilePlan() = nil error")
			}
			if rerr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", rerr.Kind, tt.wantKind)
			}
			if rerr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", rerr.Message, tt.wantMsg)
			}
		})
	}
}

func TestCompilePlanMalformedArgsHaveNoDeps(t *testing.T) {
	// Broken argument JSON is not a planning concern; validation reports it
	// per call at execution time.
	batch := []ToolCall{
		{ID: "a", Name: "x", Args: json.RawMessage(`{"v": "$ref:b"`)},
	}
	plan, rerr := compilePlan(batch)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if len(plan.waves) != 1 {
		t.Errorf("waves = %d, want 1", len(plan.waves))
	}
	if len(plan.nodes["a"].deps) != 0 {
		t.Errorf("deps = %v, want none", plan.nodes["a"].deps)
	}
}

func TestPlanDependentsTransitive(t *testing.T) {
	batch := []ToolCall{
		{ID: "a", Name: "x"},
		{ID: "b", Name: "y", Args: json.RawMessage(`{"v":"$ref:a"}`)},
		{ID: "c", Name: "z", Args: json.RawMessage(`{"v":"$ref:b"}`)},
		{ID: "d", Name: "w"},
	}
	plan, rerr := compilePlan(batch)
	if rerr != nil {
		t.Fatal(rerr)
	}
	got := plan.dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("dependents(a) = %v, want [b c]", got)
	}
	if deps := plan.dependents("d"); len(deps) != 0 {
		t.Errorf("dependents(d) = %v, want none", deps)
	}
}

// --- Substitution tests ---

func TestSubstituteRefs(t *testing.T) {
	results := map[string]ToolCallResult{
		"c1": {CallID: "c1", Status: ResultSuccess, Payload: json.RawMessage(
			`{"city":"Paris","main":{"temp":21.5},"items":["a","b"],"a/b":{"c~d":7},"none":null}`)},
	}

	tests := []struct {
		name string
		args string
		want string
	}{
		{
			name: "whole-string token keeps JSON type",
			args: `{"data":"$ref:c1./main"}`,
			want: `{"data":{"temp":21.5}}`,
		},
		{
			name: "whole payload",
			args: `{"data":"$ref:c1"}`,
			want: `{"data":{"a/b":{"c~d":7},"city":"Paris","items":["a","b"],"main":{"temp":21.5},"none":null}}`,
		},
		{
			name: "number stays a number",
			args: `{"value":"$ref:c1./main/temp"}`,
			want: `{"value":21.5}`,
		},
		{
			name: "embedded string renders verbatim",
			args: `{"msg":"Weather in $ref:c1./city today"}`,
			want: `{"msg":"Weather in Paris today"}`,
		},
		{
			name: "embedded number renders as JSON",
			args: `{"msg":"temp: $ref:c1./main/temp C"}`,
			want: `{"msg":"temp: 21.5 C"}`,
		},
		{
			name: "embedded null renders as null",
			args: `{"msg":"value=$ref:c1./none end"}`,
			want: `{"msg":"value=null end"}`,
		},
		{
			name: "array index pointer",
			args: `{"pick":"$ref:c1./items/1"}`,
			want: `{"pick":"b"}`,
		},
		{
			name: "pointer escapes",
			args: `{"deep":"$ref:c1./a~1b/c~0d"}`,
			want: `{"deep":7}`,
		},
		{
			name: "nested containers are walked",
			args: `{"outer":{"inner":["$ref:c1./city"]}}`,
			want: `{"outer":{"inner":["Paris"]}}`,
		},
		{
			name: "no tokens pass through",
			args: `{"plain":"text"}`,
			want: `{"plain":"text"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rerr := substituteRefs(json.RawMessage(tt.args), results)
			if rerr != nil {
				t.Fatal(rerr)
			}
			if string(got) != tt.want {
				t.Errorf("substituteRefs(%s) = %s, want %s", tt.args, got, tt.want)
			}
		})
	}
}

func TestSubstituteRefsErrors(t *testing.T) {
	results := map[string]ToolCallResult{
		"c1": {CallID: "c1", Status: ResultSuccess, Payload: json.RawMessage(`{"items":["a"]}`)},
	}

	tests := []struct {
		name    string
		args    string
		wantMsg string
	}{
		{
			name:    "missing result",
			args:    `{"v":"$ref:c9"}`,
			wantMsg: `reference to call "c9" has no result`,
		},
		{
			name:    "pointer not found",
			args:    `{"v":"$ref:c1./missing"}`,
			wantMsg: `pointer "/missing" not found in result of call "c1"`,
		},
		{
			name:    "bad array index",
			args:    `{"v":"$ref:c1./items/x"}`,
			wantMsg: `bad array index "x"`,
		},
		{
			name:    "index out of range",
			args:    `{"v":"$ref:c1./items/4"}`,
			wantMsg: `bad array index "4"`,
		},
		{
			name:    "descends into scalar",
			args:    `{"v":"$ref:c1./items/0/deeper"}`,
			wantMsg: "descends into non-container",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rerr := substituteRefs(json.RawMessage(tt.args), results)
			if rerr == nil {
				t.Fatal("substituteRefs() = nil error")
			}
			if rerr.Kind != ErrKindUnresolvedRef {
				t.Errorf("Kind = %q, want %q", rerr.Kind, ErrKindUnresolvedRef)
			}
			if !strings.Contains(rerr.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", rerr.Message, tt.wantMsg)
			}
		})
	}
}

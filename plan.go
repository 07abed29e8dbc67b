package haven

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// refToken matches a $ref occurrence inside a decoded argument string:
// $ref:<call_id> optionally followed by "." and an RFC 6901 JSON pointer
// into the referenced result payload. A bare $ref:c1 names the whole
// payload; $ref:c1./city/0 names a sub-value. Pointer segments end at
// whitespace or a quote so tokens can be embedded in larger strings.
var refToken = regexp.MustCompile(`\$ref:([A-Za-z0-9_-]+)(?:\.((?:/[^\s"/]*)*))?`)

// planNode is one batch call plus the call IDs its arguments reference.
type planNode struct {
	call ToolCall
	deps map[string]struct{}
	wave int
}

// toolPlan is a compiled batch: every call keyed by ID, the original call
// order, and the calls layered into waves such that a call's dependencies
// all live in earlier waves. Waves are the unit of parallelism.
type toolPlan struct {
	order []string
	nodes map[string]*planNode
	waves [][]string
}

// compilePlan scans the batch for $ref tokens, builds the dependency graph,
// and layers it. It rejects duplicate call IDs, references to calls outside
// the batch, and cycles; nothing executes when compilation fails.
func compilePlan(batch []ToolCall) (*toolPlan, *RunError) {
	p := &toolPlan{nodes: make(map[string]*planNode, len(batch))}
	for _, call := range batch {
		if _, dup := p.nodes[call.ID]; dup {
			return nil, runErrorf(ErrKindToolBadArgs, "duplicate call id %q in batch", call.ID)
		}
		p.nodes[call.ID] = &planNode{call: call, deps: scanRefs(call.Args)}
		p.order = append(p.order, call.ID)
	}

	for id, node := range p.nodes {
		for dep := range node.deps {
			if dep == id {
				return nil, runErrorf(ErrKindCycle, "call %q references itself", id)
			}
			if _, ok := p.nodes[dep]; !ok {
				return nil, runErrorf(ErrKindUnresolvedRef, "call %q references unknown call %q", id, dep)
			}
		}
	}

	// Kahn layering. Frontier order follows the original call order so wave
	// membership is deterministic.
	placed := make(map[string]bool, len(p.nodes))
	for len(placed) < len(p.nodes) {
		var wave []string
		for _, id := range p.order {
			if placed[id] {
				continue
			}
			ready := true
			for dep := range p.nodes[id].deps {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, runErrorf(ErrKindCycle, "cycle among calls %s", strings.Join(unplaced(p.order, placed), ", "))
		}
		for _, id := range wave {
			placed[id] = true
			p.nodes[id].wave = len(p.waves)
		}
		p.waves = append(p.waves, wave)
	}
	return p, nil
}

func unplaced(order []string, placed map[string]bool) []string {
	var out []string
	for _, id := range order {
		if !placed[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// dependents returns the IDs of calls that reference id, directly or
// transitively. Used to propagate skips.
func (p *toolPlan) dependents(id string) []string {
	reached := map[string]bool{id: true}
	var out []string
	// Waves are topologically ordered, so one forward pass suffices.
	for _, wave := range p.waves {
		for _, cand := range wave {
			if reached[cand] {
				continue
			}
			for dep := range p.nodes[cand].deps {
				if reached[dep] {
					reached[cand] = true
					out = append(out, cand)
					break
				}
			}
		}
	}
	return out
}

// scanRefs collects the call IDs referenced by $ref tokens anywhere in the
// decoded argument tree. Malformed argument JSON yields no deps; schema
// validation reports it later with a better error.
func scanRefs(args json.RawMessage) map[string]struct{} {
	if len(args) == 0 || !strings.Contains(string(args), "$ref:") {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return nil
	}
	out := make(map[string]struct{})
	walkStrings(v, func(s string) {
		for _, m := range refToken.FindAllStringSubmatch(s, -1) {
			out[m[1]] = struct{}{}
		}
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, mv := range t {
			walkStrings(mv, fn)
		}
	case []any:
		for _, e := range t {
			walkStrings(e, fn)
		}
	}
}

// substituteRefs rewrites args with every $ref token resolved against the
// given results. A string that is exactly one token takes the referenced
// value with its JSON type intact; tokens embedded in longer strings are
// replaced by the value's text form. Unresolvable references fail the call.
func substituteRefs(args json.RawMessage, results map[string]ToolCallResult) (json.RawMessage, *RunError) {
	if len(args) == 0 || !strings.Contains(string(args), "$ref:") {
		return args, nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return args, nil
	}
	out, rerr := substValue(v, results)
	if rerr != nil {
		return nil, rerr
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, wrapRunError(ErrKindUnresolvedRef, err, "substituted arguments not serializable")
	}
	return raw, nil
}

func substValue(v any, results map[string]ToolCallResult) (any, *RunError) {
	switch t := v.(type) {
	case string:
		return substString(t, results)
	case map[string]any:
		for k, mv := range t {
			nv, rerr := substValue(mv, results)
			if rerr != nil {
				return nil, rerr
			}
			t[k] = nv
		}
		return t, nil
	case []any:
		for i, e := range t {
			nv, rerr := substValue(e, results)
			if rerr != nil {
				return nil, rerr
			}
			t[i] = nv
		}
		return t, nil
	}
	return v, nil
}

func substString(s string, results map[string]ToolCallResult) (any, *RunError) {
	if !strings.Contains(s, "$ref:") {
		return s, nil
	}
	// Whole-string token: the referenced value replaces the string, keeping
	// its JSON type (object, array, number, ...).
	if m := refToken.FindStringSubmatch(s); m != nil && m[0] == s {
		return resolveRef(m[1], m[2], results)
	}
	var rerr *RunError
	out := refToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := refToken.FindStringSubmatch(tok)
		val, err := resolveRef(m[1], m[2], results)
		if err != nil {
			rerr = err
			return tok
		}
		return renderRefValue(val)
	})
	if rerr != nil {
		return nil, rerr
	}
	return out, nil
}

// resolveRef loads the referenced call's payload and walks the pointer.
func resolveRef(callID, pointer string, results map[string]ToolCallResult) (any, *RunError) {
	res, ok := results[callID]
	if !ok {
		return nil, runErrorf(ErrKindUnresolvedRef, "reference to call %q has no result", callID)
	}
	var doc any
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &doc); err != nil {
			return nil, wrapRunError(ErrKindUnresolvedRef, err, "result payload of call %q is not JSON", callID)
		}
	}
	return resolvePointer(doc, pointer, callID)
}

// resolvePointer walks an RFC 6901 pointer through decoded JSON. The empty
// pointer names the whole document.
func resolvePointer(doc any, pointer, callID string) (any, *RunError) {
	if pointer == "" {
		return doc, nil
	}
	cur := doc
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, runErrorf(ErrKindUnresolvedRef, "pointer %q not found in result of call %q", pointer, callID)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, runErrorf(ErrKindUnresolvedRef, "pointer %q: bad array index %q in result of call %q", pointer, seg, callID)
			}
			cur = node[idx]
		default:
			return nil, runErrorf(ErrKindUnresolvedRef, "pointer %q descends into non-container in result of call %q", pointer, callID)
		}
	}
	return cur, nil
}

// renderRefValue renders a resolved value for embedding inside a larger
// string: strings verbatim, everything else as compact JSON.
func renderRefValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

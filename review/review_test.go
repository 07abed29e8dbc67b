package review

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	haven "github.com/nevindra/haven"
)

func TestMarkdownInlineStyles(t *testing.T) {
	result := MarkdownToHTML("This is **bold**, *italic*, ~~gone~~ and `code`")
	if !strings.Contains(result, "<b>bold</b>") {
		t.Errorf("expected <b>bold</b>, got: %s", result)
	}
	if !strings.Contains(result, "<i>italic</i>") {
		t.Errorf("expected <i>italic</i>, got: %s", result)
	}
	if !strings.Contains(result, "<s>gone</s>") {
		t.Errorf("expected <s>gone</s>, got: %s", result)
	}
	if !strings.Contains(result, "<code>code</code>") {
		t.Errorf("expected <code>code</code>, got: %s", result)
	}
}

func TestMarkdownHeadingAsBold(t *testing.T) {
	result := MarkdownToHTML("### Refund Policy")
	if !strings.Contains(result, "<b>Refund Policy</b>") {
		t.Errorf("expected <b>Refund Policy</b>, got: %s", result)
	}
	if strings.Contains(result, "<h3>") {
		t.Errorf("headings must not emit <h3>, got: %s", result)
	}
}

func TestMarkdownCodeBlock(t *testing.T) {
	result := MarkdownToHTML("```go\nfunc main() {}\n```")
	if !strings.Contains(result, `<pre><code class="language-go">`) {
		t.Errorf("expected language-tagged code block, got: %s", result)
	}
	if !strings.Contains(result, "func main() {}") {
		t.Errorf("expected code content, got: %s", result)
	}
	if !strings.Contains(result, "</code></pre>") {
		t.Errorf("expected closing tags, got: %s", result)
	}
}

func TestMarkdownCodeBlockNoLanguage(t *testing.T) {
	result := MarkdownToHTML("```\nplain code\n```")
	if !strings.Contains(result, "<pre><code>plain code") {
		t.Errorf("expected untagged code block, got: %s", result)
	}
}

func TestMarkdownLinks(t *testing.T) {
	result := MarkdownToHTML("[click here](https://example.com)")
	if !strings.Contains(result, `<a href="https://example.com">click here</a>`) {
		t.Errorf("expected link HTML, got: %s", result)
	}

	result = MarkdownToHTML("Visit <https://example.com> now")
	if !strings.Contains(result, `<a href="https://example.com">https://example.com</a>`) {
		t.Errorf("expected autolink HTML, got: %s", result)
	}
}

func TestMarkdownImageAsLink(t *testing.T) {
	result := MarkdownToHTML("![diagram](https://example.com/d.png)")
	if !strings.Contains(result, `<a href="https://example.com/d.png">diagram</a>`) {
		t.Errorf("expected image rendered as link, got: %s", result)
	}
	if strings.Contains(result, "<img") {
		t.Errorf("must not emit <img>, got: %s", result)
	}
}

func TestMarkdownBlockquote(t *testing.T) {
	result := MarkdownToHTML("> user asked for a refund")
	if !strings.Contains(result, "<blockquote>") || !strings.Contains(result, "</blockquote>") {
		t.Errorf("expected blockquote tags, got: %s", result)
	}
	if !strings.Contains(result, "user asked for a refund") {
		t.Errorf("expected quote text, got: %s", result)
	}
}

func TestMarkdownLists(t *testing.T) {
	result := MarkdownToHTML("- first\n- second")
	if !strings.Contains(result, "• first") || !strings.Contains(result, "• second") {
		t.Errorf("expected bulleted items, got: %s", result)
	}

	result = MarkdownToHTML("1. first\n2. second\n3. third")
	for _, want := range []string{"1. first", "2. second", "3. third"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q, got: %s", want, result)
		}
	}
}

func TestMarkdownEscapesEntities(t *testing.T) {
	result := MarkdownToHTML("1 < 2 & 3 > 0")
	if !strings.Contains(result, "&lt;") || !strings.Contains(result, "&amp;") || !strings.Contains(result, "&gt;") {
		t.Errorf("expected escaped entities, got: %s", result)
	}
}

func TestMarkdownEscapesRawHTML(t *testing.T) {
	// Transcript content is untrusted; raw HTML must never pass through.
	result := MarkdownToHTML("<script>alert(1)</script>")
	if strings.Contains(result, "<script>") {
		t.Errorf("raw HTML block passed through: %s", result)
	}
	if !strings.Contains(result, "&lt;script&gt;") {
		t.Errorf("expected escaped script tag, got: %s", result)
	}

	result = MarkdownToHTML("hello <b>world</b>")
	if strings.Contains(result, "<b>world") {
		t.Errorf("inline HTML passed through: %s", result)
	}
	if !strings.Contains(result, "&lt;b&gt;world&lt;/b&gt;") {
		t.Errorf("expected escaped inline HTML, got: %s", result)
	}
}

func reviewSnapshot() *haven.RunSnapshot {
	return &haven.RunSnapshot{
		ID:        "snap-1",
		Version:   1,
		AgentID:   "support",
		CreatedAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		Phase:     "paused",
		Context: haven.SnapshotContext{
			Turn: 2,
			Messages: []haven.Message{
				haven.UserMessage("I want a refund for order 17"),
				haven.AssistantToolCalls("Checking the order first.", []haven.ToolCall{
					{ID: "c1", Name: "lookup_order", Args: json.RawMessage(`{"order":17}`)},
					{ID: "c2", Name: "issue_refund", Args: json.RawMessage(`{"order":17,"amount":50}`)},
				}),
			},
		},
		PendingBatch: []haven.PendingCall{
			{
				Call:                 haven.ToolCall{ID: "c2", Name: "issue_refund", Args: json.RawMessage(`{"order":17,"amount":50}`)},
				RequiresConfirmation: true,
			},
			{
				Call: haven.ToolCall{ID: "c3", Name: "notify_user", Args: json.RawMessage(`{"order":17}`)},
			},
		},
		PartialResults: map[string]haven.ToolCallResult{
			"c1": {CallID: "c1", Status: haven.ResultSuccess, Payload: json.RawMessage(`{"found":true}`)},
		},
	}
}

func TestRenderPausedRun(t *testing.T) {
	out := Render(reviewSnapshot())

	for _, want := range []string{
		"<b>support</b>",
		"paused at turn 2",
		"<code>snap-1</code>",
		"2026-03-01T10:30:00Z",
		`<div class="transcript">`,
		"Pending calls (2)",
		"<code>issue_refund</code> <code>c2</code>",
		"awaiting decision",
		"<code>notify_user</code> <code>c3</code>",
		"runs on resume",
		"Already completed (1)",
		"<code>c1</code> (success)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render output missing %q\ngot: %s", want, out)
		}
	}
}

func TestRenderIndentsArguments(t *testing.T) {
	out := Render(reviewSnapshot())

	// json.Indent output, HTML-escaped.
	if !strings.Contains(out, "&#34;amount&#34;: 50") {
		t.Errorf("expected indented escaped args, got: %s", out)
	}
	if strings.Contains(out, `"amount"`) {
		t.Errorf("argument JSON must be escaped, got: %s", out)
	}
}

func TestRenderDecisionLabels(t *testing.T) {
	snap := reviewSnapshot()
	if err := snap.Approve("c2", "within refund limit"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	out := Render(snap)
	if !strings.Contains(out, "<b>approved</b>: within refund limit") {
		t.Errorf("expected approval label with note, got: %s", out)
	}

	snap = reviewSnapshot()
	if err := snap.Reject("c2", "over the limit"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	out = Render(snap)
	if !strings.Contains(out, "<b>rejected</b>: over the limit") {
		t.Errorf("expected rejection label with note, got: %s", out)
	}
}

func TestTranscriptMessageKinds(t *testing.T) {
	messages := []haven.Message{
		haven.UserMessage("Please check **order 17**"),
		haven.AssistantToolCalls("Looking it up.", []haven.ToolCall{
			{ID: "c1", Name: "lookup_order", Args: json.RawMessage(`{"order":17}`)},
		}),
		haven.ToolResultMessage(haven.ToolCallResult{
			CallID:  "c1",
			Status:  haven.ResultSuccess,
			Payload: json.RawMessage(`{"found":true}`),
		}),
		haven.AssistantMessage("Order found."),
		haven.HandoffMessage("billing", "refund decision"),
	}

	out := Transcript(messages)

	for _, want := range []string{
		`<p class="msg-user"><b>user</b></p>`,
		"<b>order 17</b>",
		"called:",
		"<code>lookup_order</code> <code>c1</code>",
		`<p class="msg-tool"><b>tool</b> <code>c1</code> (success)</p>`,
		"{&#34;found&#34;:true}",
		"Order found.",
		"<i>handed off to billing</i>: refund decision",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Transcript output missing %q\ngot: %s", want, out)
		}
	}
}

func TestTranscriptEscapesContent(t *testing.T) {
	out := Transcript([]haven.Message{
		haven.UserMessage("<script>alert(1)</script>"),
		haven.ToolResultMessage(haven.ToolCallResult{
			CallID:  "c1",
			Status:  haven.ResultError,
			Payload: json.RawMessage(`{}`),
		}),
	})

	if strings.Contains(out, "<script>") {
		t.Errorf("script tag passed through: %s", out)
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Errorf("expected escaped script tag, got: %s", out)
	}
	if !strings.Contains(out, "(error)") {
		t.Errorf("expected error status, got: %s", out)
	}
}

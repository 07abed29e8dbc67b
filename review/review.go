// Package review renders paused-run snapshots to HTML for human approval
// surfaces. Render produces a self-contained fragment: a run header, the
// conversation transcript, and every pending tool call with its arguments and
// decision state. Message content is treated as Markdown and converted with
// MarkdownToHTML; everything else is escaped.
package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	haven "github.com/nevindra/haven"
)

// Render builds the full approval card for a paused run.
func Render(snap *haven.RunSnapshot) string {
	var b strings.Builder
	b.WriteString("<div class=\"run-review\">\n")

	fmt.Fprintf(&b, "<p><b>%s</b> — paused at turn %d<br>\n",
		html.EscapeString(snap.AgentID), snap.Context.Turn)
	fmt.Fprintf(&b, "snapshot <code>%s</code> · created %s</p>\n",
		html.EscapeString(snap.ID), snap.CreatedAt.UTC().Format(time.RFC3339))

	b.WriteString(Transcript(snap.Context.Messages))
	b.WriteString(pendingSection(snap))

	b.WriteString("</div>")
	return b.String()
}

// Transcript renders the message log on its own, for surfaces that lay out
// the pending-call controls themselves.
func Transcript(messages []haven.Message) string {
	var b strings.Builder
	b.WriteString("<div class=\"transcript\">\n")
	for _, msg := range messages {
		writeMessage(&b, msg)
	}
	b.WriteString("</div>\n")
	return b.String()
}

func writeMessage(b *strings.Builder, msg haven.Message) {
	switch {
	case msg.Handoff != nil:
		fmt.Fprintf(b, "<p class=\"msg-handoff\"><i>handed off to %s</i>",
			html.EscapeString(msg.Handoff.Target))
		if msg.Handoff.Reason != "" {
			fmt.Fprintf(b, ": %s", html.EscapeString(msg.Handoff.Reason))
		}
		b.WriteString("</p>\n")

	case len(msg.ToolCalls) > 0:
		b.WriteString("<p class=\"msg-assistant\"><b>assistant</b> called:</p>\n")
		if msg.Content != "" {
			b.WriteString(MarkdownToHTML(msg.Content))
			b.WriteString("\n")
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(b, "• <code>%s</code> <code>%s</code>\n",
				html.EscapeString(call.Name), html.EscapeString(call.ID))
		}

	case msg.Role == haven.RoleTool:
		fmt.Fprintf(b, "<p class=\"msg-tool\"><b>tool</b> <code>%s</code> (%s)</p>\n",
			html.EscapeString(msg.ToolCallID), html.EscapeString(string(msg.Status)))
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(msg.Content))

	default:
		fmt.Fprintf(b, "<p class=\"msg-%s\"><b>%s</b></p>\n", msg.Role, msg.Role)
		if msg.Content != "" {
			b.WriteString(MarkdownToHTML(msg.Content))
			b.WriteString("\n")
		}
	}
}

func pendingSection(snap *haven.RunSnapshot) string {
	var b strings.Builder
	b.WriteString("<div class=\"pending\">\n")
	fmt.Fprintf(&b, "<p><b>Pending calls (%d)</b></p>\n", len(snap.PendingBatch))

	for _, p := range snap.PendingBatch {
		fmt.Fprintf(&b, "<p><code>%s</code> <code>%s</code> — %s</p>\n",
			html.EscapeString(p.Call.Name), html.EscapeString(p.Call.ID), decisionLabel(p))
		fmt.Fprintf(&b, "<pre><code>%s</code></pre>\n", prettyArgs(p.Call.Args))
	}

	if len(snap.PartialResults) > 0 {
		fmt.Fprintf(&b, "<p><b>Already completed (%d)</b></p>\n", len(snap.PartialResults))
		for id, res := range snap.PartialResults {
			fmt.Fprintf(&b, "• <code>%s</code> (%s)\n",
				html.EscapeString(id), html.EscapeString(string(res.Status)))
		}
	}

	b.WriteString("</div>\n")
	return b.String()
}

func decisionLabel(p haven.PendingCall) string {
	if !p.RequiresConfirmation {
		return "runs on resume"
	}
	if p.Decision == nil {
		return "<b>awaiting decision</b>"
	}
	verdict := "rejected"
	if p.Decision.Approved {
		verdict = "approved"
	}
	if p.Decision.Note != "" {
		return fmt.Sprintf("<b>%s</b>: %s", verdict, html.EscapeString(p.Decision.Note))
	}
	return fmt.Sprintf("<b>%s</b>", verdict)
}

// prettyArgs indents the argument JSON for display; anything unparseable is
// shown escaped as-is.
func prettyArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, args, "", "  "); err != nil {
		return html.EscapeString(string(args))
	}
	return html.EscapeString(buf.String())
}

package haven

// WindowPolicy bounds the message view sent to the LLM. Policies operate on
// a copy of the log and must not reorder surviving messages.
type WindowPolicy interface {
	Apply(msgs []Message) []Message
}

// WindowFunc adapts a function to WindowPolicy.
type WindowFunc func(msgs []Message) []Message

func (f WindowFunc) Apply(msgs []Message) []Message { return f(msgs) }

// SlidingWindow keeps the leading system messages plus the most recent n
// conversation messages. The cut never lands between an assistant tool-call
// message and its tool results: if it would, it slides earlier to include
// the whole exchange, so the LLM never sees results without their calls.
func SlidingWindow(n int) WindowPolicy {
	return WindowFunc(func(msgs []Message) []Message {
		head, tail := splitSystemPrefix(msgs)
		if n <= 0 || len(tail) <= n {
			return msgs
		}
		cut := adjustCut(tail, len(tail)-n)
		out := make([]Message, 0, len(head)+len(tail)-cut)
		out = append(out, head...)
		out = append(out, tail[cut:]...)
		return out
	})
}

// Summarizer condenses an elided message prefix into replacement text.
// Typically backed by a cheap LLM call owned by the caller; the policy
// itself never performs I/O beyond invoking this hook.
type Summarizer func(elided []Message) string

// SummarizedWindow keeps the most recent n conversation messages and
// replaces the elided prefix with a single system message produced by the
// summarizer. A nil summarizer degrades to SlidingWindow.
func SummarizedWindow(n int, summarize Summarizer) WindowPolicy {
	if summarize == nil {
		return SlidingWindow(n)
	}
	return WindowFunc(func(msgs []Message) []Message {
		head, tail := splitSystemPrefix(msgs)
		if n <= 0 || len(tail) <= n {
			return msgs
		}
		cut := adjustCut(tail, len(tail)-n)
		if cut == 0 {
			return msgs
		}
		summary := summarize(tail[:cut])
		out := make([]Message, 0, len(head)+1+len(tail)-cut)
		out = append(out, head...)
		if summary != "" {
			out = append(out, Message{Role: RoleSystem, Content: "Summary of earlier conversation: " + summary})
		}
		out = append(out, tail[cut:]...)
		return out
	})
}

// splitSystemPrefix separates the run's leading system messages from the
// conversation body.
func splitSystemPrefix(msgs []Message) (head, tail []Message) {
	i := 0
	for i < len(msgs) && msgs[i].Role == RoleSystem {
		i++
	}
	return msgs[:i], msgs[i:]
}

// adjustCut slides a cut index backwards until the window does not open on
// orphaned tool results.
func adjustCut(tail []Message, cut int) int {
	for cut > 0 && tail[cut].Role == RoleTool {
		cut--
	}
	return cut
}

package chat

import "strings"

// ChunkKind selects which buffer an incoming chunk joins.
type ChunkKind int

const (
	AgentMessage ChunkKind = iota
	UserMessage
	AgentThought
)

// Aggregator coalesces streamed text chunks into newline-complete pieces.
// Chunks arrive at arbitrary split points; output is only released up to the
// last newline so a line is never rendered half-finished. Thought text is
// flattened to a single line.
type Aggregator struct {
	message strings.Builder
	user    strings.Builder
	thought strings.Builder
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Push adds a chunk and returns any newline-complete text now ready for
// display, or "" when more input is needed.
func (a *Aggregator) Push(kind ChunkKind, text string) string {
	if text == "" {
		return ""
	}
	buf := a.buffer(kind)
	buf.WriteString(text)

	accumulated := buf.String()
	idx := strings.LastIndex(accumulated, "\n")
	if idx < 0 {
		return ""
	}
	out := accumulated[:idx+1]
	remaining := accumulated[idx+1:]
	buf.Reset()
	buf.WriteString(remaining)

	if kind == AgentThought {
		out = flattenThought(out)
	}
	return out
}

// Flush drains whatever is buffered for a kind, newline or not. Called when
// a turn ends so trailing text without a final newline still renders.
func (a *Aggregator) Flush(kind ChunkKind) string {
	buf := a.buffer(kind)
	out := buf.String()
	buf.Reset()
	if kind == AgentThought {
		out = flattenThought(out)
	}
	return out
}

func (a *Aggregator) buffer(kind ChunkKind) *strings.Builder {
	switch kind {
	case UserMessage:
		return &a.user
	case AgentThought:
		return &a.thought
	default:
		return &a.message
	}
}

func flattenThought(text string) string {
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.TrimSpace(text)
}

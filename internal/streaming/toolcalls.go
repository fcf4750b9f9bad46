package streaming

import (
	"sort"
	"strings"
)

// ToolCall is one fully assembled tool call from a completion stream.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallBuilder reassembles tool calls from streamed fragments. Upstream
// sends the id and function name once per index and the JSON arguments in
// pieces; fragments for different calls are keyed by index.
type ToolCallBuilder struct {
	partial map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// NewToolCallBuilder creates an empty builder for one stream.
func NewToolCallBuilder() *ToolCallBuilder {
	return &ToolCallBuilder{partial: make(map[int]*partialToolCall)}
}

// Add folds a chunk's tool-call fragments into the builder.
func (b *ToolCallBuilder) Add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		p, ok := b.partial[d.Index]
		if !ok {
			p = &partialToolCall{}
			b.partial[d.Index] = p
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Name != "" {
			p.name = d.Name
		}
		p.args.WriteString(d.Arguments)
	}
}

// Calls returns the assembled tool calls in index order. Fragments that
// never received a function name are dropped.
func (b *ToolCallBuilder) Calls() []ToolCall {
	indexes := make([]int, 0, len(b.partial))
	for i := range b.partial {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := b.partial[i]
		if p.name == "" {
			continue
		}
		calls = append(calls, ToolCall{ID: p.id, Name: p.name, Arguments: p.args.String()})
	}
	return calls
}

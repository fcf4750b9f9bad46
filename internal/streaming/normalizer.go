package streaming

import (
	"encoding/json"
	"strings"
)

// upstreamAliases maps historical upstream event-name spellings to the
// semantic event they carry. Providers have renamed these across versions
// (e.g. "reasoning_content" vs "reasoning"); tolerating every spelling we
// have seen in the wild is intentional and must be preserved when adding
// new providers.
var upstreamAliases = map[string]EventType{
	"reasoning":         EventReasoning,
	"reasoning_content": EventReasoning,
	"reasoningContent":  EventReasoning,
	"thinking":          EventReasoning,
	"content":           EventContent,
	"text":              EventContent,
	"delta":             EventContent,
	"message":           EventContent,
	"tool_result":       EventToolResult,
	"toolResult":        EventToolResult,
	"tool_output":       EventToolResult,
	"progress":          EventProgress,
	"status":            EventProgress,
	"metadata":          EventMetadata,
	"workflow_start":    EventWorkflowStart,
	"workflowStart":     EventWorkflowStart,
	"complete":          EventComplete,
	"done":              EventComplete,
	"finished":          EventComplete,
	"error":             EventError,
	"persisted":         EventPersisted,
}

// NormalizeEventName resolves an upstream event name, in any historical
// spelling, to the external event type it maps to.
func NormalizeEventName(name string) (EventType, bool) {
	t, ok := upstreamAliases[strings.TrimSpace(name)]
	return t, ok
}

// Delta is one decoded upstream chunk from an OpenAI-compatible SSE stream.
type Delta struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Done         bool
}

// ToolCallDelta is one streamed tool-call fragment. The id and name arrive
// on the first fragment for an index; arguments accumulate across fragments.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// chunkPayload is the subset of the upstream chunk shape we read. Reasoning
// deltas arrive under different keys depending on provider vintage.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
			Thinking         string `json:"thinking"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeUpstreamLine parses one SSE line from a chat-completions stream.
// Non-data lines and unparseable payloads decode to a zero Delta; the caller
// drops those. The upstream error field, when present, is returned as errMsg.
func DecodeUpstreamLine(line string) (d Delta, errMsg string) {
	line = strings.TrimSpace(line)
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return Delta{}, ""
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return Delta{Done: true}, ""
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return Delta{}, ""
	}
	if chunk.Error != nil {
		return Delta{}, chunk.Error.Message
	}
	if len(chunk.Choices) == 0 {
		return Delta{}, ""
	}

	choice := chunk.Choices[0]
	d.Content = choice.Delta.Content
	d.Reasoning = firstNonEmpty(choice.Delta.Reasoning, choice.Delta.ReasoningContent, choice.Delta.Thinking)
	for _, tc := range choice.Delta.ToolCalls {
		d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	d.FinishReason = choice.FinishReason
	d.Done = choice.FinishReason != ""
	return d, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package streaming translates one research run's internal progress into a
// stable external event stream. Upstream provider events drive every
// transition; this package never emits on its own clock.
package streaming

import (
	"encoding/json"
	"time"
)

// EventType is the discriminator of the external event shape.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventReasoning     EventType = "reasoning"
	EventContent       EventType = "content"
	EventMetadata      EventType = "metadata"
	EventToolResult    EventType = "tool_result"
	EventWorkflowStart EventType = "workflow_start"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
	EventPersisted     EventType = "persisted"
)

// Event is the versioned wire shape consumed by clients. Unused fields are
// omitted from the encoding so the shape stays minimal per event type.
type Event struct {
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Phase      string          `json:"phase,omitempty"`
	Message    string          `json:"message,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// stamp fills the event timestamp in milliseconds.
func (e Event) stamp(now time.Time) Event {
	e.Timestamp = now.UnixMilli()
	return e
}

// degenerate reports whether the event carries no information beyond its
// type and would encode as an effectively empty object. Such events are
// dropped rather than sent over the wire.
func (e Event) degenerate() bool {
	switch e.Type {
	case EventContent, EventReasoning:
		return e.Delta == ""
	case EventMetadata, EventToolResult, EventComplete, EventPersisted:
		return emptyPayload(e.Payload)
	case EventProgress:
		return e.Phase == "" && e.Message == ""
	case EventError:
		return e.Message == ""
	}
	return false
}

// emptyPayload reports whether raw is absent, JSON null, or an empty object.
func emptyPayload(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "{}":
		return true
	}
	return false
}

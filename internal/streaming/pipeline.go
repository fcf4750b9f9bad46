package streaming

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
)

// Phase is a research run's position in its state machine.
type Phase string

const (
	PhaseNotStarted   Phase = "not_started"
	PhasePlanning     Phase = "planning"
	PhaseResearching  Phase = "researching"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

// phaseRank orders the forward-only transitions. Terminal phases share the
// top rank so neither can follow the other.
var phaseRank = map[Phase]int{
	PhaseNotStarted:   0,
	PhasePlanning:     1,
	PhaseResearching:  2,
	PhaseSynthesizing: 3,
	PhaseComplete:     4,
	PhaseError:        4,
}

// eventBuffer must absorb one run's burst of content deltas; the consumer
// is expected to drain continuously.
const eventBuffer = 1024

// Pipeline is the event stream of one research run. It enforces the run's
// state machine: phases only move forward, exactly one complete or error
// event terminates the run, and a persisted confirmation may follow complete.
//
// Events are produced by the single goroutine driving the run; state
// accessors (Phase, HasProgress, Content) are safe from any goroutine.
type Pipeline struct {
	workflowID string
	signer     *Signer
	logger     *logger.Logger
	now        func() time.Time

	events chan Event

	mu        sync.Mutex
	phase     Phase
	terminal  bool
	persisted bool
	closed    bool
	content   strings.Builder
	reasoning strings.Builder
}

// NewPipeline creates a pipeline for one run. signer may be nil, in which
// case persisted confirmations are disabled.
func NewPipeline(workflowID string, signer *Signer, log *logger.Logger) *Pipeline {
	return &Pipeline{
		workflowID: workflowID,
		signer:     signer,
		logger:     log.WithComponent("streaming").WithFields(map[string]interface{}{"workflow_id": workflowID}),
		now:        time.Now,
		events:     make(chan Event, eventBuffer),
		phase:      PhaseNotStarted,
	}
}

// Events is the ordered external event feed. It is closed by Close.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Begin emits the workflow_start event.
func (p *Pipeline) Begin() {
	p.emit(Event{Type: EventWorkflowStart, WorkflowID: p.workflowID})
}

// Advance moves the run to a later phase and emits a progress event.
// Backward or repeated transitions are ignored.
func (p *Pipeline) Advance(phase Phase, message string) {
	p.mu.Lock()
	if p.terminal || phaseRank[phase] <= phaseRank[p.phase] {
		p.mu.Unlock()
		return
	}
	p.phase = phase
	p.mu.Unlock()

	p.emit(Event{Type: EventProgress, Phase: string(phase), Message: message})
}

// Content appends a text delta to the accumulated answer and emits it.
// Accumulation is monotonic: deltas are appended in arrival order.
func (p *Pipeline) Content(delta string) {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.content.WriteString(delta)
	p.mu.Unlock()

	p.emit(Event{Type: EventContent, Delta: delta})
}

// Reasoning appends a reasoning delta and emits it.
func (p *Pipeline) Reasoning(delta string) {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.reasoning.WriteString(delta)
	p.mu.Unlock()

	p.emit(Event{Type: EventReasoning, Delta: delta})
}

// ToolResult emits a tool output marker.
func (p *Pipeline) ToolResult(toolName string, payload any) {
	p.emit(Event{Type: EventToolResult, ToolName: toolName, Payload: p.marshal(payload)})
}

// Metadata emits run metadata (token estimates, timings).
func (p *Pipeline) Metadata(payload any) {
	p.emit(Event{Type: EventMetadata, Payload: p.marshal(payload)})
}

// Complete terminates the run with the full result. Only the first terminal
// call (Complete or Fail) wins; later calls are ignored.
func (p *Pipeline) Complete(result any) {
	if !p.terminate(PhaseComplete) {
		return
	}
	p.emit(Event{Type: EventComplete, WorkflowID: p.workflowID, Payload: p.marshal(result)})
}

// Fail terminates the run with a user-facing error message.
func (p *Pipeline) Fail(message string) {
	if !p.terminate(PhaseError) {
		return
	}
	p.emit(Event{Type: EventError, WorkflowID: p.workflowID, Message: message})
}

// Persisted emits a signed persistence confirmation. It is valid only once,
// after Complete, and only when a signing key is configured.
func (p *Pipeline) Persisted(payload []byte) {
	if p.signer == nil {
		return
	}
	p.mu.Lock()
	if p.phase != PhaseComplete || p.persisted {
		p.mu.Unlock()
		return
	}
	p.persisted = true
	p.mu.Unlock()

	nonce := NewNonce()
	p.emit(Event{
		Type:      EventPersisted,
		Payload:   json.RawMessage(payload),
		Nonce:     nonce,
		Signature: p.signer.Sign(payload, nonce),
	})
}

// Close closes the event feed. Call after the terminal event (and optional
// persisted confirmation) has been emitted.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}

// Phase returns the run's current phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// HasProgress reports whether the run has produced any output. A watchdog
// re-invoking the run uses this to make re-entry a no-op.
func (p *Pipeline) HasProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal || p.content.Len() > 0 || p.reasoning.Len() > 0 || phaseRank[p.phase] > phaseRank[PhasePlanning]
}

// AccumulatedContent returns the answer text accumulated so far.
func (p *Pipeline) AccumulatedContent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content.String()
}

// AccumulatedReasoning returns the reasoning text accumulated so far.
func (p *Pipeline) AccumulatedReasoning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reasoning.String()
}

// terminate claims the single terminal transition.
func (p *Pipeline) terminate(phase Phase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return false
	}
	p.terminal = true
	p.phase = phase
	return true
}

func (p *Pipeline) emit(ev Event) {
	if ev.degenerate() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	stamped := ev.stamp(p.now())
	select {
	case p.events <- stamped:
		return
	default:
	}
	if !terminalEventType(ev.Type) {
		// Consumer stalled past the buffer; dropping keeps the run alive.
		p.logger.Warn("Event buffer full, dropping event", "event_type", string(ev.Type))
		return
	}
	// A terminal or persisted event must reach the wire. Evict the oldest
	// buffered event until the send succeeds; sends happen under mu, so a
	// freed slot cannot be refilled by another producer.
	for {
		select {
		case p.events <- stamped:
			return
		case evicted := <-p.events:
			p.logger.Warn("Event buffer full, evicting event to deliver terminal",
				"evicted_type", string(evicted.Type), "event_type", string(ev.Type))
		}
	}
}

func terminalEventType(t EventType) bool {
	return t == EventComplete || t == EventError || t == EventPersisted
}

func (p *Pipeline) marshal(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload", "error", err)
		return nil
	}
	return data
}

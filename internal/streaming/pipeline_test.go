package streaming

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func drain(p *Pipeline) []Event {
	p.Close()
	var events []Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestPipelineHappyPathOrdering(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())

	p.Begin()
	p.Advance(PhasePlanning, "planning research")
	p.Advance(PhaseResearching, "searching the web")
	p.ToolResult("web_search", map[string]any{"results": 3})
	p.Advance(PhaseSynthesizing, "writing answer")
	p.Reasoning("considering sources")
	p.Content("The answer ")
	p.Content("is 42.")
	p.Complete(map[string]any{"answer": "The answer is 42."})

	events := drain(p)
	assert.Equal(t, []EventType{
		EventWorkflowStart,
		EventProgress,
		EventProgress,
		EventToolResult,
		EventProgress,
		EventReasoning,
		EventContent,
		EventContent,
		EventComplete,
	}, eventTypes(events))
	assert.Equal(t, "The answer is 42.", p.AccumulatedContent())
	assert.Equal(t, PhaseComplete, p.Phase())
}

func TestPipelineSingleTerminalEvent(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())

	p.Complete(map[string]any{"answer": "done"})
	p.Fail("too late")
	p.Complete(map[string]any{"answer": "again"})
	p.Content("after terminal")

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)
	assert.Empty(t, p.AccumulatedContent())
}

func TestPipelineErrorTerminates(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())

	p.Advance(PhasePlanning, "planning")
	p.Fail("Sorry, something went wrong while researching your question.")
	p.Complete(map[string]any{"answer": "never"})

	events := drain(p)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, PhaseError, p.Phase())
}

func TestPipelineDropsDegenerateEvents(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())

	p.Content("")
	p.Reasoning("")
	p.Metadata(nil)
	p.Metadata(map[string]any{})
	p.Advance(PhasePlanning, "")

	events := drain(p)
	// The phase transition alone carries information; everything else is
	// an empty payload and must not reach the wire.
	require.Len(t, events, 1)
	assert.Equal(t, EventProgress, events[0].Type)
}

func TestPipelineRejectsBackwardTransition(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())

	p.Advance(PhaseSynthesizing, "ahead")
	p.Advance(PhaseResearching, "backward")
	p.Advance(PhaseSynthesizing, "repeat")

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, "synthesizing", events[0].Phase)
}

func TestPipelineHasProgress(t *testing.T) {
	p := NewPipeline("wf-1", nil, testLogger())
	assert.False(t, p.HasProgress())

	p.Advance(PhasePlanning, "planning")
	assert.False(t, p.HasProgress(), "planning alone is not observable progress")

	p.Content("partial")
	assert.True(t, p.HasProgress())
}

func TestPipelinePersistedRequiresComplete(t *testing.T) {
	signer := NewSigner("test-key")
	p := NewPipeline("wf-1", signer, testLogger())

	payload := []byte(`{"saved":true}`)
	p.Persisted(payload)
	p.Complete(map[string]any{"answer": "done"})
	p.Persisted(payload)
	p.Persisted(payload)

	events := drain(p)
	require.Len(t, events, 2)
	persisted := events[1]
	assert.Equal(t, EventPersisted, persisted.Type)
	assert.NotEmpty(t, persisted.Nonce)
	assert.True(t, signer.Verify(persisted.Payload, persisted.Nonce, persisted.Signature))
}

func TestPipelineTerminalEventSurvivesFullBuffer(t *testing.T) {
	p := NewPipeline("wf-7", nil, testLogger())

	p.Begin()
	p.Advance(PhasePlanning, "planning research")
	p.Advance(PhaseSynthesizing, "writing answer")
	// No consumer: overflow the buffer so content deltas start dropping.
	for i := 0; i < eventBuffer+50; i++ {
		p.Content("x")
	}
	p.Complete(map[string]any{"answer": "done"})

	events := drain(p)
	var terminals int
	for _, ev := range events {
		if ev.Type == EventComplete || ev.Type == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestSignerRejectsTamperedPayload(t *testing.T) {
	signer := NewSigner("shared-key")

	payload := []byte(`{"messageId":"m1","content":"original"}`)
	nonce := NewNonce()
	sig := signer.Sign(payload, nonce)

	assert.True(t, signer.Verify(payload, nonce, sig))
	assert.False(t, signer.Verify([]byte(`{"messageId":"m1","content":"altered"}`), nonce, sig))
	assert.False(t, signer.Verify(payload, NewNonce(), sig))
	assert.False(t, signer.Verify(payload, nonce, "not-hex"))
}

func TestSignerKeyedness(t *testing.T) {
	a := NewSigner("key-a")
	b := NewSigner("key-b")

	payload := []byte(`{"x":1}`)
	nonce := NewNonce()
	assert.False(t, b.Verify(payload, nonce, a.Sign(payload, nonce)))
}

func TestNormalizeEventNameAliases(t *testing.T) {
	cases := []struct {
		name string
		want EventType
	}{
		{"reasoning", EventReasoning},
		{"reasoning_content", EventReasoning},
		{"thinking", EventReasoning},
		{"content", EventContent},
		{"text", EventContent},
		{"tool_result", EventToolResult},
		{"toolResult", EventToolResult},
		{"done", EventComplete},
		{"complete", EventComplete},
	}
	for _, tc := range cases {
		got, ok := NormalizeEventName(tc.name)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	_, ok := NormalizeEventName("unknown_event")
	assert.False(t, ok)
}

func TestDecodeUpstreamLine(t *testing.T) {
	d, errMsg := DecodeUpstreamLine(`data: {"choices":[{"delta":{"content":"hello"}}]}`)
	assert.Empty(t, errMsg)
	assert.Equal(t, "hello", d.Content)

	d, _ = DecodeUpstreamLine(`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}`)
	assert.Equal(t, "hmm", d.Reasoning)

	d, _ = DecodeUpstreamLine(`data: {"choices":[{"delta":{"thinking":"deep"}}]}`)
	assert.Equal(t, "deep", d.Reasoning)

	d, _ = DecodeUpstreamLine("data: [DONE]")
	assert.True(t, d.Done)

	d, _ = DecodeUpstreamLine(`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`)
	assert.True(t, d.Done)

	_, errMsg = DecodeUpstreamLine(`data: {"error":{"message":"quota exceeded"}}`)
	assert.Equal(t, "quota exceeded", errMsg)

	d, errMsg = DecodeUpstreamLine(": keepalive comment")
	assert.Empty(t, errMsg)
	assert.Equal(t, Delta{}, d)
}

func TestDecodeUpstreamLineToolCalls(t *testing.T) {
	d, errMsg := DecodeUpstreamLine(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"que"}}]}}]}`)
	assert.Empty(t, errMsg)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "call_1", d.ToolCalls[0].ID)
	assert.Equal(t, "web_search", d.ToolCalls[0].Name)
	assert.Equal(t, `{"que`, d.ToolCalls[0].Arguments)

	d, _ = DecodeUpstreamLine(`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
	assert.True(t, d.Done)
	assert.Equal(t, "tool_calls", d.FinishReason)
}

func TestToolCallBuilderAssemblesFragments(t *testing.T) {
	b := NewToolCallBuilder()
	b.Add([]ToolCallDelta{
		{Index: 0, ID: "call_1", Name: "web_search", Arguments: `{"queries":`},
		{Index: 1, ID: "call_2", Name: "web_scrape", Arguments: `{"url":`},
	})
	b.Add([]ToolCallDelta{
		{Index: 0, Arguments: `["go"]}`},
		{Index: 1, Arguments: `"https://a.example"}`},
	})

	calls := b.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, `{"queries":["go"]}`, calls[0].Arguments)
	assert.Equal(t, "web_scrape", calls[1].Name)
	assert.Equal(t, `{"url":"https://a.example"}`, calls[1].Arguments)
}

func TestToolCallBuilderDropsNamelessFragments(t *testing.T) {
	b := NewToolCallBuilder()
	b.Add([]ToolCallDelta{{Index: 3, Arguments: "orphan"}})
	assert.Empty(t, b.Calls())
}

func TestThrottledWriterCoalesces(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	var written [][]byte
	w := NewThrottledWriter(func(_ context.Context, snapshot []byte) error {
		written = append(written, snapshot)
		return nil
	}, 75*time.Millisecond, testLogger()).WithClock(func() time.Time { return *clock })

	ctx := context.Background()
	w.Update(ctx, []byte("v1"))
	w.Update(ctx, []byte("v2"))
	w.Update(ctx, []byte("v3"))

	require.Len(t, written, 1, "updates within the interval are suppressed")
	assert.Equal(t, "v1", string(written[0]))

	now = now.Add(100 * time.Millisecond)
	w.Update(ctx, []byte("v4"))
	require.Len(t, written, 2)
	assert.Equal(t, "v4", string(written[1]), "a due write carries the latest snapshot")

	w.Update(ctx, []byte("v5"))
	w.Flush(ctx)
	require.Len(t, written, 3)
	assert.Equal(t, "v5", string(written[2]), "flush persists the final state")

	w.Flush(ctx)
	assert.Len(t, written, 3, "flush with nothing pending is a no-op")
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/completion"
	"github.com/meridianhq/meridian/internal/harvest"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/planner"
	"github.com/meridianhq/meridian/internal/research"
	"github.com/meridianhq/meridian/internal/search"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/tools"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type stubPlanner struct {
	plan planner.PlanResult
}

func (s stubPlanner) Plan(context.Context, planner.Request) planner.PlanResult {
	return s.plan
}

type stubResearcher struct {
	out    *research.Output
	called bool
}

func (s *stubResearcher) Execute(context.Context, []planner.PlannedQuery) *research.Output {
	s.called = true
	return s.out
}

type stubSynthesizer struct {
	configured bool
	sse        string
	err        error
}

func (s stubSynthesizer) Configured() bool { return s.configured }
func (s stubSynthesizer) Model() string    { return "test-model" }

func (s stubSynthesizer) Stream(context.Context, completion.Request) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.sse)), nil
}

// scriptedSynthesizer plays one stream per call and records the requests.
type scriptedSynthesizer struct {
	mu       sync.Mutex
	streams  []string
	requests []completion.Request
}

func (s *scriptedSynthesizer) Configured() bool { return true }
func (s *scriptedSynthesizer) Model() string    { return "test-model" }

func (s *scriptedSynthesizer) Stream(_ context.Context, req completion.Request) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.streams) {
		idx = len(s.streams) - 1
	}
	return io.NopCloser(strings.NewReader(s.streams[idx])), nil
}

type stubTool struct {
	name    string
	payload string

	mu   sync.Mutex
	args []string
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Definition() tools.Definition {
	return tools.Definition{Type: "function", Function: tools.FunctionDef{Name: t.name}}
}

func (t *stubTool) Execute(_ context.Context, args string) (string, error) {
	t.mu.Lock()
	t.args = append(t.args, args)
	t.mu.Unlock()
	return t.payload, nil
}

func toolRegistry(t *testing.T, tl tools.Tool) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tl))
	return registry
}

// toolCallStream is one synthesis round that requests a single web_search
// call, with the arguments split across two fragments.
const toolCallStream = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"queries\":"}}]}}]}
data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"[\"go\"]}"}}]}}]}
data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}
`

func searchPlan() planner.PlanResult {
	return planner.PlanResult{
		ShouldSearch:       true,
		ContextSummary:     "context",
		Queries:            []planner.PlannedQuery{{Query: "q", Priority: 1}},
		DecisionConfidence: 0.65,
	}
}

func researchOutput() *research.Output {
	ev := &harvest.Evidence{}
	ev.AddHits([]search.Hit{{Title: "T", URL: "https://a.example/1", Snippet: "s", RelevanceScore: 0.9}})
	return &research.Output{
		Evidence: ev,
		Stats:    research.Stats{QueriesExecuted: 1, TotalHits: 1},
		ToolLog: []harvest.ToolCallLogEntry{{
			ToolName: "web_search", Input: "q", ResultSummary: "1 results via serper", Success: true,
		}},
	}
}

func collect(t *testing.T, pipe *streaming.Pipeline) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-pipe.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for pipeline to close")
		}
	}
}

func eventTypes(events []streaming.Event) []streaming.EventType {
	types := make([]streaming.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunHappyPath(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"reasoning\":\"thinking\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"The answer\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" is 42.\"}}]}\n" +
		"data: [DONE]\n"
	signer := streaming.NewSigner("key")
	svc := NewService(
		stubPlanner{plan: searchPlan()},
		&stubResearcher{out: researchOutput()},
		stubSynthesizer{configured: true, sse: sse},
		nil, nil, signer, time.Millisecond, testLogger(),
	)

	workflowID, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	types := eventTypes(events)
	require.Equal(t, []streaming.EventType{
		streaming.EventWorkflowStart,
		streaming.EventProgress, // planning
		streaming.EventProgress, // researching
		streaming.EventToolResult,
		streaming.EventProgress, // synthesizing
		streaming.EventReasoning,
		streaming.EventContent,
		streaming.EventContent,
		streaming.EventMetadata,
		streaming.EventComplete,
		streaming.EventPersisted,
	}, types)

	var result Result
	require.NoError(t, json.Unmarshal(events[9].Payload, &result))
	assert.Equal(t, workflowID, result.WorkflowID)
	assert.Equal(t, "The answer is 42.", result.Answer)
	assert.Equal(t, 1, result.Metadata.SearchResults)
	require.NotNil(t, result.Research)
	assert.Equal(t, 1, result.Research.TotalHits)

	persisted := events[10]
	assert.True(t, signer.Verify(persisted.Payload, persisted.Nonce, persisted.Signature))
}

func TestRunUpstreamErrorEmitsSingleErrorEvent(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n" +
		"data: {\"error\":{\"message\":\"quota exceeded\"}}\n"
	svc := NewService(
		stubPlanner{plan: searchPlan()},
		&stubResearcher{out: researchOutput()},
		stubSynthesizer{configured: true, sse: sse},
		nil, nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	var errorEvents, completeEvents int
	for _, ev := range events {
		switch ev.Type {
		case streaming.EventError:
			errorEvents++
			assert.Equal(t, apologyMessage, ev.Message)
		case streaming.EventComplete:
			completeEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Zero(t, completeEvents)
}

func TestRunStreamSetupErrorFails(t *testing.T) {
	svc := NewService(
		stubPlanner{plan: searchPlan()},
		&stubResearcher{out: researchOutput()},
		stubSynthesizer{configured: true, err: fmt.Errorf("connect refused")},
		nil, nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	last := events[len(events)-1]
	assert.Equal(t, streaming.EventError, last.Type)
}

func TestRunWithoutSynthesizerFallsBackToEvidence(t *testing.T) {
	researcher := &stubResearcher{out: researchOutput()}
	svc := NewService(
		stubPlanner{plan: searchPlan()},
		researcher,
		stubSynthesizer{configured: false},
		nil, nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	assert.True(t, researcher.called)
	last := events[len(events)-1]
	require.Equal(t, streaming.EventComplete, last.Type)
	var result Result
	require.NoError(t, json.Unmarshal(last.Payload, &result))
	assert.Contains(t, result.Answer, "https://a.example/1")
}

func TestRunNoSearchSkipsResearchPhase(t *testing.T) {
	researcher := &stubResearcher{out: researchOutput()}
	svc := NewService(
		stubPlanner{plan: planner.PlanResult{ShouldSearch: false, Reasons: "empty_input"}},
		researcher,
		stubSynthesizer{configured: false},
		nil, nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: ""})
	events := collect(t, pipe)

	assert.False(t, researcher.called)
	for _, ev := range events {
		assert.NotEqual(t, "researching", ev.Phase)
	}
}

func TestRunPersistsSnapshots(t *testing.T) {
	dir := t.TempDir()
	runs, err := NewRunStore(dir, testLogger())
	require.NoError(t, err)

	svc := NewService(
		stubPlanner{plan: searchPlan()},
		&stubResearcher{out: researchOutput()},
		stubSynthesizer{configured: false},
		nil, runs, nil, time.Millisecond, testLogger(),
	)

	workflowID, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	collect(t, pipe)

	snap, err := runs.Load(workflowID)
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, string(streaming.PhaseComplete), snap.Phase)
	assert.NotEmpty(t, snap.Content)
}

func TestLookupActiveRun(t *testing.T) {
	svc := NewService(
		stubPlanner{plan: planner.PlanResult{ShouldSearch: false}},
		&stubResearcher{out: researchOutput()},
		stubSynthesizer{configured: false},
		nil, nil, nil, time.Millisecond, testLogger(),
	)

	workflowID, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "q"})
	collect(t, pipe)

	// Once the run finishes it is no longer active.
	_, ok := svc.Lookup(workflowID)
	assert.False(t, ok)
}

func TestRunStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	runs, err := NewRunStore(dir, testLogger())
	require.NoError(t, err)

	snap := RunSnapshot{WorkflowID: "wf", ConversationID: "c", Phase: "complete", Content: "text", Completed: true}
	require.NoError(t, runs.Save(snap))

	got, err := runs.Load("wf")
	require.NoError(t, err)
	assert.Equal(t, "text", got.Content)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = runs.Load("missing")
	assert.Error(t, err)
}

func TestRunToolCallLoop(t *testing.T) {
	answerStream := "data: {\"choices\":[{\"delta\":{\"content\":\"Found it.\"}}]}\n" +
		"data: [DONE]\n"
	synth := &scriptedSynthesizer{streams: []string{toolCallStream, answerStream}}
	tool := &stubTool{
		name:    "web_search",
		payload: `{"results":[{"title":"T","url":"https://t.example/1","snippet":"s","relevance_score":0.9}],"search_method":"serper"}`,
	}
	svc := NewService(
		stubPlanner{plan: planner.PlanResult{ShouldSearch: false, ContextSummary: "context"}},
		&stubResearcher{out: researchOutput()},
		synth,
		toolRegistry(t, tool), nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	var toolResults int
	for _, ev := range events {
		if ev.Type == streaming.EventToolResult {
			toolResults++
			assert.Equal(t, "web_search", ev.ToolName)
		}
	}
	assert.Equal(t, 1, toolResults)

	last := events[len(events)-1]
	require.Equal(t, streaming.EventComplete, last.Type)
	var result Result
	require.NoError(t, json.Unmarshal(last.Payload, &result))
	assert.Equal(t, "Found it.", result.Answer)
	assert.Equal(t, 1, result.Metadata.SearchResults, "tool evidence must reach the bundle")

	require.Len(t, tool.args, 1)
	assert.JSONEq(t, `{"queries":["go"]}`, tool.args[0])

	require.Len(t, synth.requests, 2)
	assert.NotEmpty(t, synth.requests[0].Tools)
	followUp := synth.requests[1].Messages
	var sawToolMessage bool
	for _, msg := range followUp {
		if msg.Role == planner.RoleTool {
			sawToolMessage = true
			assert.Equal(t, "call_1", msg.ToolCallID)
			assert.Equal(t, tool.payload, msg.Content)
		}
	}
	assert.True(t, sawToolMessage)
}

func TestRunSearchToolErrorIsFatal(t *testing.T) {
	synth := &scriptedSynthesizer{streams: []string{toolCallStream}}
	tool := &stubTool{name: "web_search", payload: `{"error":"provider exploded"}`}
	svc := NewService(
		stubPlanner{plan: planner.PlanResult{ShouldSearch: false}},
		&stubResearcher{out: researchOutput()},
		synth,
		toolRegistry(t, tool), nil, nil, time.Millisecond, testLogger(),
	)

	_, pipe := svc.Start(context.Background(), Request{ConversationID: "c1", Message: "question"})
	events := collect(t, pipe)

	var errorEvents, completeEvents int
	for _, ev := range events {
		switch ev.Type {
		case streaming.EventError:
			errorEvents++
			assert.Equal(t, apologyMessage, ev.Message)
		case streaming.EventComplete:
			completeEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Zero(t, completeEvents)
}

func TestBuildSynthesisPromptIncludesEvidence(t *testing.T) {
	ev := &harvest.Evidence{}
	ev.AddHits([]search.Hit{{Title: "Title", URL: "https://a.example", Snippet: "snippet text"}})
	ev.AddPage(harvest.ScrapedPage{Title: "Page", URL: "https://a.example/p", Content: "page body"})

	prompt := buildSynthesisPrompt("prior discussion", ev)

	assert.Contains(t, prompt, "prior discussion")
	assert.Contains(t, prompt, "[1] Title (https://a.example)")
	assert.Contains(t, prompt, "page body")
}

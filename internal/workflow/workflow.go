// Package workflow orchestrates one research run end to end: plan, execute
// the research pass, synthesize an answer over the completion stream, and
// drive the run's event pipeline.
package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/completion"
	"github.com/meridianhq/meridian/internal/harvest"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/planner"
	"github.com/meridianhq/meridian/internal/research"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/tools"
)

// apologyMessage is the user-facing text of a fatal run error.
const apologyMessage = "Sorry, something went wrong while researching your question. Please try again."

// maxToolRounds bounds how many tool-call round trips one synthesis may
// make before the model must answer from what it has.
const maxToolRounds = 3

// Planner decides whether and what to search.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) planner.PlanResult
}

// Researcher runs the two-phase research pass.
type Researcher interface {
	Execute(ctx context.Context, queries []planner.PlannedQuery) *research.Output
}

// Synthesizer streams the answer from the completion provider.
type Synthesizer interface {
	Configured() bool
	Model() string
	Stream(ctx context.Context, req completion.Request) (io.ReadCloser, error)
}

// Request starts one research run.
type Request struct {
	ConversationID string         `json:"conversationId"`
	Message        string         `json:"message"`
	SessionID      string         `json:"sessionId,omitempty"`
	Turns          []planner.Turn `json:"turns,omitempty"`
	RollingSummary string         `json:"rollingSummary,omitempty"`
}

// Metadata is the run telemetry attached to the result.
type Metadata struct {
	Model           string `json:"model,omitempty"`
	EstimatedTokens int    `json:"estimatedTokens"`
	DurationMs      int64  `json:"durationMs"`
	SearchResults   int    `json:"searchResults"`
	PagesScraped    int    `json:"pagesScraped"`
}

// Result is the full outcome carried by the terminal complete event.
type Result struct {
	WorkflowID  string                     `json:"workflowId"`
	Answer      string                     `json:"answer"`
	Planning    planner.PlanResult         `json:"planning"`
	Research    *research.Stats            `json:"research,omitempty"`
	ToolCallLog []harvest.ToolCallLogEntry `json:"toolCallLog,omitempty"`
	Metadata    Metadata                   `json:"metadata"`
}

// Service orchestrates research runs.
type Service struct {
	planner     Planner
	researcher  Researcher
	synthesizer Synthesizer
	registry    *tools.Registry
	runs        *RunStore
	signer      *streaming.Signer
	logger      *logger.Logger
	interval    time.Duration

	mu     sync.Mutex
	active map[string]*streaming.Pipeline
}

// NewService creates the orchestrator. registry, runs and signer may be nil,
// which disables tool calling, persistence and signed confirmations
// respectively.
func NewService(p Planner, r Researcher, syn Synthesizer, registry *tools.Registry, runs *RunStore, signer *streaming.Signer, persistInterval time.Duration, log *logger.Logger) *Service {
	if persistInterval <= 0 {
		persistInterval = 75 * time.Millisecond
	}
	return &Service{
		planner:     p,
		researcher:  r,
		synthesizer: syn,
		registry:    registry,
		runs:        runs,
		signer:      signer,
		logger:      log.WithComponent("workflow"),
		interval:    persistInterval,
		active:      make(map[string]*streaming.Pipeline),
	}
}

// Start launches a run and returns its id and event pipeline. The caller
// consumes the pipeline's events until it closes.
func (s *Service) Start(ctx context.Context, req Request) (string, *streaming.Pipeline) {
	workflowID := uuid.NewString()
	pipe := streaming.NewPipeline(workflowID, s.signer, s.logger)

	s.mu.Lock()
	s.active[workflowID] = pipe
	s.mu.Unlock()

	go s.run(ctx, workflowID, req, pipe)
	return workflowID, pipe
}

// Lookup returns the pipeline of an in-flight run. A watchdog uses this with
// HasProgress to make re-invocation of a live run a no-op.
func (s *Service) Lookup(workflowID string) (*streaming.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pipe, ok := s.active[workflowID]
	return pipe, ok
}

func (s *Service) run(ctx context.Context, workflowID string, req Request, pipe *streaming.Pipeline) {
	start := time.Now()
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{"workflow_id": workflowID})

	defer func() {
		pipe.Close()
		s.mu.Lock()
		delete(s.active, workflowID)
		s.mu.Unlock()
		outcome := "complete"
		if pipe.Phase() == streaming.PhaseError {
			outcome = "error"
		}
		metrics.ObserveWorkflow(outcome, time.Since(start))
	}()

	writer := streaming.NewThrottledWriter(s.persistFunc(), s.interval, s.logger)
	snapshot := func(phase streaming.Phase, completed bool) []byte {
		data, _ := json.Marshal(RunSnapshot{
			WorkflowID:     workflowID,
			ConversationID: req.ConversationID,
			Phase:          string(phase),
			Content:        pipe.AccumulatedContent(),
			Completed:      completed,
		})
		return data
	}

	pipe.Begin()
	pipe.Advance(streaming.PhasePlanning, "Planning research")

	plan := s.planner.Plan(ctx, planner.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		SessionID:      req.SessionID,
		Turns:          req.Turns,
		RollingSummary: req.RollingSummary,
	})

	result := Result{WorkflowID: workflowID, Planning: plan}
	evidence := &harvest.Evidence{}

	if plan.ShouldSearch && len(plan.Queries) > 0 {
		pipe.Advance(streaming.PhaseResearching, "Searching the web")
		out := s.researcher.Execute(ctx, plan.Queries)
		evidence = out.Evidence
		result.Research = &out.Stats
		result.ToolCallLog = out.ToolLog
		for _, entry := range out.ToolLog {
			pipe.ToolResult(entry.ToolName, entry)
		}
		writer.Update(ctx, snapshot(streaming.PhaseResearching, false))
	}

	pipe.Advance(streaming.PhaseSynthesizing, "Writing answer")

	answer, fatal := s.synthesize(ctx, plan.ContextSummary, req.Message, evidence, pipe, writer, snapshot)
	if fatal != "" {
		log.Error("run failed during synthesis", "error", fatal)
		pipe.Fail(apologyMessage)
		writer.Update(ctx, snapshot(streaming.PhaseError, true))
		writer.Flush(ctx)
		return
	}

	result.Answer = answer
	result.Metadata = Metadata{
		Model:           s.synthesizer.Model(),
		EstimatedTokens: len(answer)/4 + 1,
		DurationMs:      time.Since(start).Milliseconds(),
		SearchResults:   len(evidence.SearchResults),
		PagesScraped:    len(evidence.ScrapedContent),
	}
	pipe.Metadata(result.Metadata)
	pipe.Complete(result)

	final := snapshot(streaming.PhaseComplete, true)
	writer.Update(ctx, final)
	writer.Flush(ctx)
	pipe.Persisted(final)
}

// synthesize streams the answer from the completion provider, forwarding
// deltas to the pipeline and throttled persistence. When the model requests
// tool calls, they are executed through the registry, their outputs fed to
// the evidence collector, and the conversation resumed, up to maxToolRounds
// times. It returns the full answer, or a non-empty fatal error message.
func (s *Service) synthesize(ctx context.Context, contextSummary, message string, evidence *harvest.Evidence, pipe *streaming.Pipeline, writer *streaming.ThrottledWriter, snapshot func(streaming.Phase, bool) []byte) (string, string) {
	if !s.synthesizer.Configured() {
		answer := fallbackAnswer(evidence)
		pipe.Content(answer)
		return answer, ""
	}

	messages := []completion.Message{
		{Role: planner.RoleSystem, Content: buildSynthesisPrompt(contextSummary, evidence)},
		{Role: planner.RoleUser, Content: message},
	}
	var defs []tools.Definition
	if s.registry != nil {
		defs = s.registry.Definitions()
	}
	collector := harvest.NewCollector()

	for round := 0; ; round++ {
		req := completion.Request{
			Model:    s.synthesizer.Model(),
			Messages: messages,
			Stream:   true,
		}
		// The last round withholds the tools so the model must answer.
		if round < maxToolRounds {
			req.Tools = defs
		}

		roundContent, calls, errMsg := s.streamRound(ctx, req, pipe, writer, snapshot)
		if errMsg != "" {
			return "", errMsg
		}
		if len(calls) == 0 || round >= maxToolRounds {
			break
		}

		messages = append(messages, assistantToolCallMessage(roundContent, calls))
		for _, call := range calls {
			payload := s.executeTool(ctx, call)
			collector.Ingest(call.Name, []byte(payload))
			pipe.ToolResult(call.Name, json.RawMessage(payload))
			messages = append(messages, completion.Message{
				Role:       planner.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    payload,
			})
		}
		if fatal := collector.FatalErr(); fatal != "" {
			return "", fatal
		}
	}

	gathered := collector.Evidence()
	evidence.AddHits(gathered.SearchResults)
	for _, p := range gathered.ScrapedContent {
		evidence.AddPage(p)
	}
	if gathered.SerpEnrichment != nil {
		evidence.SetEnrichment(gathered.SerpEnrichment)
	}
	return pipe.AccumulatedContent(), ""
}

// streamRound consumes one completion stream, forwarding reasoning and
// content deltas and reassembling any tool-call fragments.
func (s *Service) streamRound(ctx context.Context, req completion.Request, pipe *streaming.Pipeline, writer *streaming.ThrottledWriter, snapshot func(streaming.Phase, bool) []byte) (string, []streaming.ToolCall, string) {
	stream, err := s.synthesizer.Stream(ctx, req)
	if err != nil {
		return "", nil, err.Error()
	}
	defer stream.Close() //nolint:errcheck

	var content strings.Builder
	builder := streaming.NewToolCallBuilder()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		delta, errMsg := streaming.DecodeUpstreamLine(scanner.Text())
		if errMsg != "" {
			return "", nil, errMsg
		}
		if delta.Reasoning != "" {
			pipe.Reasoning(delta.Reasoning)
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			pipe.Content(delta.Content)
			writer.Update(ctx, snapshot(streaming.PhaseSynthesizing, false))
		}
		builder.Add(delta.ToolCalls)
		if delta.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, err.Error()
	}
	return content.String(), builder.Calls(), ""
}

// executeTool runs one assembled call through the registry. Failures become
// an error payload so the harvester and the model both see them; the
// harvester decides whether the error is fatal for the run.
func (s *Service) executeTool(ctx context.Context, call streaming.ToolCall) string {
	if s.registry == nil {
		return errorPayload("no tools available")
	}
	tool, ok := s.registry.Get(call.Name)
	if !ok {
		return errorPayload(fmt.Sprintf("unknown tool %q", call.Name))
	}
	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return errorPayload(err.Error())
	}
	return out
}

func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func assistantToolCallMessage(content string, calls []streaming.ToolCall) completion.Message {
	msg := completion.Message{Role: planner.RoleAssistant, Content: content}
	for _, call := range calls {
		msg.ToolCalls = append(msg.ToolCalls, tools.Call{
			ID:   call.ID,
			Type: "function",
			Function: tools.CallFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return msg
}

// persistFunc adapts the run store to the throttled writer. Without a store
// configured, writes are dropped.
func (s *Service) persistFunc() streaming.WriteFunc {
	return func(_ context.Context, data []byte) error {
		if s.runs == nil {
			return nil
		}
		var snap RunSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		return s.runs.Save(snap)
	}
}

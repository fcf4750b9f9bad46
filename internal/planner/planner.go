// Package planner decides whether a new conversation message warrants web
// research and, if so, builds a diversified query set. Decisions move through
// a ladder of short-circuits: cached plan, rate-limited degraded plan,
// deterministic heuristic plan, and finally a model-assisted plan for
// ambiguous messages.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/meridianhq/meridian/internal/completion"
	"github.com/meridianhq/meridian/internal/lexical"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/metrics"
	"github.com/meridianhq/meridian/internal/store"
)

const (
	// RoleUser marks a turn authored by the end user.
	RoleUser = "user"
	// RoleAssistant marks a turn authored by the assistant.
	RoleAssistant = "assistant"
	// RoleSystem marks an injected system turn.
	RoleSystem = "system"
	// RoleTool marks a tool-output turn in a completion exchange.
	RoleTool = "tool"
)

const (
	maxPlanQueries  = 4
	mmrLambda       = 0.7
	maxModelQueries = 6

	// Jaccard band inside which lexical overlap is ambiguous enough to
	// warrant a model-assisted decision.
	escalateLowJaccard  = 0.35
	escalateHighJaccard = 0.75

	// Below this overlap with the previous user turn the message is
	// treated as a topic change.
	newTopicJaccard = 0.5

	// A gap this long since the last user turn suggests a fresh session.
	newChatTimeGap = 120 * time.Minute

	// Enhanced default plans are short-lived so a follow-up soon after
	// re-evaluates against fresher context.
	enhancedPlanTTL = 3 * time.Minute

	// Empty-input plans never change, so they effectively never expire.
	emptyPlanTTL = 365 * 24 * time.Hour

	maxQueryLen     = 300
	maxReasoningLen = 200
	maxReasonsLen   = 300
)

// Turn is one prior message in the conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlannedQuery is one search query the planner wants executed. Priority is
// advisory ordering in [1,3]; execution does not enforce it.
type PlannedQuery struct {
	Query     string `json:"query"`
	Reasoning string `json:"reasoning,omitempty"`
	Priority  int    `json:"priority"`
}

// PlanResult is the planner's decision output.
type PlanResult struct {
	ShouldSearch       bool           `json:"shouldSearch"`
	ContextSummary     string         `json:"contextSummary,omitempty"`
	Queries            []PlannedQuery `json:"queries"`
	SuggestNewChat     bool           `json:"suggestNewChat"`
	DecisionConfidence float64        `json:"decisionConfidence"`
	Reasons            string         `json:"reasons,omitempty"`
}

// Request carries one planning call's inputs.
type Request struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	SessionID      string `json:"sessionId,omitempty"`
	// Turns are the recent conversation turns, oldest first.
	Turns []Turn `json:"turns,omitempty"`
	// RollingSummary is the conversation's accumulated summary, if any.
	RollingSummary string `json:"rollingSummary,omitempty"`
	// MaxContextMessages caps how many trailing turns are considered.
	// Zero means no cap.
	MaxContextMessages int `json:"maxContextMessages,omitempty"`
}

// Completer is the slice of the completion client the planner uses.
type Completer interface {
	Configured() bool
	Model() string
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Service implements the planning decision ladder.
type Service struct {
	store      *store.Store
	completer  Completer
	classifier Classifier
	logger     *logger.Logger
	now        func() time.Time
}

// NewService creates a planner. A nil classifier falls back to the
// heuristic strategy.
func NewService(st *store.Store, completer Completer, classifier Classifier, log *logger.Logger) *Service {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	return &Service{
		store:      st,
		completer:  completer,
		classifier: classifier,
		logger:     log.WithComponent("planner"),
		now:        time.Now,
	}
}

// WithClock injects a clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Plan runs the decision ladder for one new message. It never returns an
// error: every failure mode degrades to a deterministic plan.
func (s *Service) Plan(ctx context.Context, req Request) PlanResult {
	s.store.Sweep()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return s.emptyInputPlan(req.ConversationID)
	}

	// Attempts count against the rate window regardless of cache outcome;
	// only the empty-input short-circuit is exempt.
	s.store.RecordAttempt(req.ConversationID)

	turns := req.Turns
	if req.MaxContextMessages > 0 && len(turns) > req.MaxContextMessages {
		turns = turns[len(turns)-req.MaxContextMessages:]
	}

	key := planKey(req.ConversationID, message, turns)
	if cached, ok := s.store.GetPlan(key); ok {
		if plan, ok := cached.(PlanResult); ok {
			metrics.CountPlanDecision("cached")
			return plan
		}
	}

	if s.store.IsRateLimited(req.ConversationID) {
		plan := s.rateLimitedPlan(message)
		s.store.SetPlan(key, plan, store.PlanTTL)
		metrics.CountPlanDecision("rate_limited")
		s.logger.WithContext(ctx).Warn("Planning rate limited, returning degraded plan",
			"conversation_id", req.ConversationID)
		return plan
	}

	contextSummary := CompactContext(req.RollingSummary, turns)
	jaccard, hasPrior := s.priorOverlap(message, turns)
	timeGap := s.staleSession(turns)

	plan := s.defaultPlan(message, contextSummary, jaccard, hasPrior, timeGap)

	if !s.completer.Configured() {
		s.store.SetPlan(key, plan, store.PlanTTL)
		metrics.CountPlanDecision("default")
		return plan
	}

	ambiguous := hasPrior && jaccard >= escalateLowJaccard && jaccard <= escalateHighJaccard
	if !ambiguous && !s.classifier.IsFollowUp(message) {
		plan = s.enhanceDefaultPlan(plan, contextSummary)
		s.store.SetPlan(key, plan, enhancedPlanTTL)
		metrics.CountPlanDecision("default")
		return plan
	}

	modelPlan, err := s.modelAssistedPlan(ctx, message, contextSummary, plan)
	if err != nil {
		s.logger.LogError(ctx, err, "Model-assisted planning failed, using default plan",
			"conversation_id", req.ConversationID)
		s.store.SetPlan(key, plan, store.PlanTTL)
		metrics.CountPlanDecision("default")
		return plan
	}

	s.store.SetPlan(key, modelPlan, store.PlanTTL)
	metrics.CountPlanDecision("model_assisted")
	return modelPlan
}

// Invalidate drops every cached plan for the conversation, used when the
// conversation's history is edited out from under the cache.
func (s *Service) Invalidate(conversationID string) {
	s.store.Invalidate(conversationID)
}

func (s *Service) emptyInputPlan(conversationID string) PlanResult {
	key := planKey(conversationID, "", nil)
	if cached, ok := s.store.GetPlan(key); ok {
		if plan, ok := cached.(PlanResult); ok {
			return plan
		}
	}
	plan := PlanResult{
		ShouldSearch: false,
		Queries:      []PlannedQuery{},
		Reasons:      "empty_input",
	}
	s.store.SetPlan(key, plan, emptyPlanTTL)
	metrics.CountPlanDecision("empty_input")
	return plan
}

func (s *Service) rateLimitedPlan(message string) PlanResult {
	return PlanResult{
		ShouldSearch: true,
		Queries: []PlannedQuery{{
			Query:     lexical.Truncate(message, maxQueryLen),
			Reasoning: "rate limited, searching raw message",
			Priority:  1,
		}},
		DecisionConfidence: 0.5,
		Reasons:            "rate_limited",
	}
}

// priorOverlap returns the Jaccard overlap between the new message and the
// most recent distinct prior user turn, and whether such a turn exists.
func (s *Service) priorOverlap(message string, turns []Turn) (float64, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != RoleUser {
			continue
		}
		prior := strings.TrimSpace(t.Content)
		if prior == "" || strings.EqualFold(prior, message) {
			continue
		}
		return lexical.Jaccard(message, prior), true
	}
	return 0, false
}

// staleSession reports whether the last user turn is old enough that the
// message likely starts a new topic.
func (s *Service) staleSession(turns []Turn) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != RoleUser || t.CreatedAt.IsZero() {
			continue
		}
		return s.now().Sub(t.CreatedAt) >= newChatTimeGap
	}
	return false
}

func (s *Service) defaultPlan(message, contextSummary string, jaccard float64, hasPrior, timeGap bool) PlanResult {
	pool := []string{message}
	pool = append(pool, lexical.TopNGrams(contextSummary, 6)...)
	queries := lexical.DiversifyQueries(pool, message, maxPlanQueries, mmrLambda)

	planned := make([]PlannedQuery, 0, len(queries))
	for i, q := range queries {
		reasoning := "context-derived variant"
		if i == 0 {
			reasoning = "raw user message"
		}
		planned = append(planned, PlannedQuery{
			Query:     lexical.Truncate(q, maxQueryLen),
			Reasoning: reasoning,
			Priority:  min(i+1, 3),
		})
	}

	suggestNewChat := timeGap
	if !timeGap && hasPrior {
		suggestNewChat = jaccard < newTopicJaccard
	}
	confidence := 0.65
	if timeGap {
		confidence = 0.85
	}

	return PlanResult{
		ShouldSearch:       true,
		ContextSummary:     contextSummary,
		Queries:            planned,
		SuggestNewChat:     suggestNewChat,
		DecisionConfidence: confidence,
		Reasons:            "default_heuristics",
	}
}

// enhanceDefaultPlan appends up to 2 context-derived entity terms to the
// second query variant, giving the search phase one broader probe.
func (s *Service) enhanceDefaultPlan(plan PlanResult, contextSummary string) PlanResult {
	if len(plan.Queries) < 2 {
		return plan
	}
	entities := s.classifier.ExtractEntities(contextSummary)
	if len(entities) == 0 {
		return plan
	}
	if len(entities) > 2 {
		entities = entities[:2]
	}
	q := plan.Queries[1]
	q.Query = lexical.Truncate(q.Query+" "+strings.Join(entities, " "), maxQueryLen)
	q.Reasoning = "context-derived variant with entity terms"
	plan.Queries[1] = q
	return plan
}

const planningSystemPrompt = `You are a research planning assistant. Given a user's new message and conversation context, decide whether web research would improve the answer.

Respond with strict JSON only, no prose, in this exact shape:
{"shouldSearch": bool, "contextSummary": string, "queries": [{"query": string, "reasoning": string, "priority": 1-3}], "suggestNewChat": bool, "decisionConfidence": 0.0-1.0, "reasons": string}

Guidelines: prefer 2-4 diverse queries over near-duplicates; set suggestNewChat=true only when the message clearly starts an unrelated topic; decisionConfidence reflects how certain you are in shouldSearch.`

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

func (s *Service) modelAssistedPlan(ctx context.Context, message, contextSummary string, fallback PlanResult) (PlanResult, error) {
	user := fmt.Sprintf("Conversation context:\n%s\n\nNew message:\n%s", contextSummary, message)
	raw, err := s.completer.Complete(ctx, completion.Request{
		Model: s.completer.Model(),
		Messages: []completion.Message{
			{Role: RoleSystem, Content: planningSystemPrompt},
			{Role: RoleUser, Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   800,
	})
	if err != nil {
		return fallback, err
	}

	plan, err := parseModelPlan(raw)
	if err != nil {
		return fallback, err
	}

	sanitizePlan(&plan, message)
	if plan.ContextSummary == "" {
		plan.ContextSummary = contextSummary
	}
	if plan.ShouldSearch && len(plan.Queries) == 0 {
		return fallback, fmt.Errorf("model plan requested search with no queries")
	}
	return plan, nil
}

// parseModelPlan tries a direct JSON parse, then falls back to the first
// {...} span in the response. Models wrap JSON in prose often enough that
// the second attempt earns its keep.
func parseModelPlan(raw string) (PlanResult, error) {
	var plan PlanResult
	if err := json.Unmarshal([]byte(raw), &plan); err == nil {
		return plan, nil
	}
	span := jsonObjectRe.FindString(raw)
	if span == "" {
		return plan, fmt.Errorf("no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(span), &plan); err != nil {
		return plan, fmt.Errorf("parse model plan: %w", err)
	}
	return plan, nil
}

// sanitizePlan dedupes and caps queries, re-diversifies them against the raw
// message, clamps confidence, and truncates free-text fields.
func sanitizePlan(plan *PlanResult, message string) {
	pool := make([]string, 0, len(plan.Queries))
	byQuery := make(map[string]PlannedQuery, len(plan.Queries))
	for _, q := range plan.Queries {
		trimmed := strings.TrimSpace(q.Query)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, dup := byQuery[key]; dup {
			continue
		}
		q.Query = lexical.Truncate(trimmed, maxQueryLen)
		q.Reasoning = lexical.Truncate(strings.TrimSpace(q.Reasoning), maxReasoningLen)
		if q.Priority < 1 || q.Priority > 3 {
			q.Priority = 2
		}
		byQuery[key] = q
		pool = append(pool, q.Query)
		if len(pool) == maxModelQueries {
			break
		}
	}

	diversified := lexical.DiversifyQueries(pool, message, maxPlanQueries, mmrLambda)
	queries := make([]PlannedQuery, 0, len(diversified))
	for _, q := range diversified {
		queries = append(queries, byQuery[strings.ToLower(q)])
	}
	plan.Queries = queries

	plan.DecisionConfidence = math.Max(0, math.Min(1, plan.DecisionConfidence))
	plan.ContextSummary = lexical.Truncate(strings.TrimSpace(plan.ContextSummary), summaryBudget)
	plan.Reasons = lexical.Truncate(strings.TrimSpace(plan.Reasons), maxReasonsLen)
}

// planKey is the composite plan-cache key. Message count and the last turn's
// creation time make the key sensitive to history edits without hashing the
// full transcript.
func planKey(conversationID, message string, turns []Turn) string {
	var last int64
	if n := len(turns); n > 0 {
		last = turns[n-1].CreatedAt.UnixMilli()
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(message), " "))
	return fmt.Sprintf("%s|%s|%d|%d", conversationID, normalized, len(turns), last)
}

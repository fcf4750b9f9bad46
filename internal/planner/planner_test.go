package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/completion"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/store"
)

type stubCompleter struct {
	configured bool
	response   string
	err        error
	calls      int
}

func (s *stubCompleter) Configured() bool { return s.configured }
func (s *stubCompleter) Model() string    { return "test-model" }

func (s *stubCompleter) Complete(_ context.Context, _ completion.Request) (string, error) {
	s.calls++
	return s.response, s.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func newTestService(completer Completer, now func() time.Time) (*Service, *store.Store) {
	st := store.New(store.WithClock(now))
	svc := NewService(st, completer, nil, testLogger()).WithClock(now)
	return svc, st
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPlanEmptyInput(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, st := newTestService(&stubCompleter{}, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{ConversationID: "c1", Message: "   "})

	assert.False(t, plan.ShouldSearch)
	assert.Empty(t, plan.Queries)
	assert.Equal(t, "empty_input", plan.Reasons)
	assert.False(t, st.IsRateLimited("c1"), "empty input must not record an attempt")
}

func TestPlanCacheHit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completer := &stubCompleter{}
	svc, _ := newTestService(completer, fixedClock(now))

	req := Request{ConversationID: "c1", Message: "latest go release notes"}
	first := svc.Plan(context.Background(), req)
	second := svc.Plan(context.Background(), req)

	assert.Equal(t, first, second)
	assert.Zero(t, completer.calls)
}

func TestPlanRateLimited(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, st := newTestService(&stubCompleter{}, fixedClock(now))

	for i := 0; i < store.RateLimit; i++ {
		st.RecordAttempt("c1")
	}
	plan := svc.Plan(context.Background(), Request{ConversationID: "c1", Message: "rust vs go performance"})

	assert.True(t, plan.ShouldSearch)
	require.Len(t, plan.Queries, 1)
	assert.Equal(t, "rust vs go performance", plan.Queries[0].Query)
	assert.Equal(t, 0.5, plan.DecisionConfidence)
	assert.Equal(t, "rate_limited", plan.Reasons)
}

func TestPlanDefaultWithoutCredentials(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(&stubCompleter{configured: false}, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{
		ConversationID: "c1",
		Message:        "how do goroutine schedulers work",
	})

	assert.True(t, plan.ShouldSearch)
	require.NotEmpty(t, plan.Queries)
	assert.LessOrEqual(t, len(plan.Queries), maxPlanQueries)
	assert.Equal(t, "how do goroutine schedulers work", plan.Queries[0].Query)
	assert.Equal(t, 0.65, plan.DecisionConfidence)
}

func TestPlanTimeGapSuggestsNewChat(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(&stubCompleter{}, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{
		ConversationID: "c1",
		Message:        "what is the capital of mongolia",
		Turns: []Turn{
			{Role: RoleUser, Content: "tell me about kubernetes operators", CreatedAt: now.Add(-3 * time.Hour)},
		},
	})

	assert.True(t, plan.SuggestNewChat)
	assert.Equal(t, 0.85, plan.DecisionConfidence)
}

func TestPlanLowOverlapSuggestsNewChat(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(&stubCompleter{}, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{
		ConversationID: "c1",
		Message:        "best sourdough starter recipe",
		Turns: []Turn{
			{Role: RoleUser, Content: "explain kubernetes pod eviction thresholds", CreatedAt: now.Add(-5 * time.Minute)},
		},
	})

	assert.True(t, plan.SuggestNewChat)
	assert.Equal(t, 0.65, plan.DecisionConfidence)
}

func TestPlanEscalatesOnFollowUp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completer := &stubCompleter{
		configured: true,
		response: `{"shouldSearch": true, "contextSummary": "discussing pod eviction",
			"queries": [{"query": "kubernetes pod eviction thresholds", "reasoning": "core topic", "priority": 1},
			            {"query": "kubelet memory pressure signals", "reasoning": "mechanism", "priority": 2}],
			"suggestNewChat": false, "decisionConfidence": 0.9, "reasons": "follow_up"}`,
	}
	svc, _ := newTestService(completer, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{
		ConversationID: "c1",
		Message:        "tell me more about the eviction thresholds",
		Turns: []Turn{
			{Role: RoleUser, Content: "explain kubernetes pod eviction", CreatedAt: now.Add(-2 * time.Minute)},
		},
	})

	assert.Equal(t, 1, completer.calls)
	assert.True(t, plan.ShouldSearch)
	assert.Equal(t, 0.9, plan.DecisionConfidence)
	assert.Equal(t, "follow_up", plan.Reasons)
	require.Len(t, plan.Queries, 2)
}

func TestPlanModelJSONEmbeddedInProse(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completer := &stubCompleter{
		configured: true,
		response: "Sure, here is the plan:\n" +
			`{"shouldSearch": true, "queries": [{"query": "tokio runtime internals", "priority": 1}], "decisionConfidence": 0.8}` +
			"\nLet me know if you need anything else.",
	}
	svc, _ := newTestService(completer, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{
		ConversationID: "c1",
		Message:        "and how does it compare to tokio",
	})

	assert.True(t, plan.ShouldSearch)
	require.Len(t, plan.Queries, 1)
	assert.Equal(t, "tokio runtime internals", plan.Queries[0].Query)
}

func TestPlanModelGarbageFallsBackToDefault(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completer := &stubCompleter{configured: true, response: "I cannot help with that."}
	svc, _ := newTestService(completer, fixedClock(now))

	message := "tell me more about the scheduler"
	plan := svc.Plan(context.Background(), Request{ConversationID: "c1", Message: message})

	assert.Equal(t, 1, completer.calls)
	assert.True(t, plan.ShouldSearch)
	assert.Equal(t, "default_heuristics", plan.Reasons)
	require.NotEmpty(t, plan.Queries)
	assert.Equal(t, message, plan.Queries[0].Query)
}

func TestPlanModelErrorFallsBackToDefault(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completer := &stubCompleter{configured: true, err: fmt.Errorf("upstream 503")}
	svc, _ := newTestService(completer, fixedClock(now))

	plan := svc.Plan(context.Background(), Request{ConversationID: "c1", Message: "what about its memory model"})

	assert.True(t, plan.ShouldSearch)
	assert.Equal(t, "default_heuristics", plan.Reasons)
}

func TestSanitizePlanCapsAndClamps(t *testing.T) {
	plan := PlanResult{
		DecisionConfidence: 1.7,
		Reasons:            strings.Repeat("r", 500),
		Queries: []PlannedQuery{
			{Query: "  alpha beta  ", Priority: 9},
			{Query: "alpha beta", Priority: 1},
			{Query: "gamma delta", Priority: 2},
			{Query: "", Priority: 1},
			{Query: "epsilon zeta", Priority: 3},
			{Query: "eta theta", Priority: 1},
			{Query: "iota kappa", Priority: 2},
			{Query: "lambda mu", Priority: 3},
		},
	}

	sanitizePlan(&plan, "alpha beta")

	assert.LessOrEqual(t, len(plan.Queries), maxPlanQueries)
	assert.Equal(t, 1.0, plan.DecisionConfidence)
	assert.LessOrEqual(t, len(plan.Reasons), maxReasonsLen)
	seen := make(map[string]bool)
	for _, q := range plan.Queries {
		assert.NotEmpty(t, q.Query)
		assert.False(t, seen[q.Query], "duplicate query %q", q.Query)
		seen[q.Query] = true
		assert.GreaterOrEqual(t, q.Priority, 1)
		assert.LessOrEqual(t, q.Priority, 3)
	}
}

func TestPlanKeyIncludesHistoryShape(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	turns := []Turn{{Role: RoleUser, Content: "hi", CreatedAt: now}}

	base := planKey("c1", "Hello World", turns)

	assert.Equal(t, planKey("c1", "hello   world", turns), base, "whitespace and case normalized")
	assert.NotEqual(t, planKey("c2", "hello world", turns), base)
	assert.NotEqual(t, planKey("c1", "hello world", nil), base)
	assert.True(t, strings.HasPrefix(base, "c1|"), "key must be prefix-invalidatable")
}

func TestCompactContextOrdering(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "old question about dns"},
		{Role: RoleAssistant, Content: "dns answer"},
		{Role: RoleUser, Content: "question about tls"},
		{Role: RoleAssistant, Content: "tls answer"},
		{Role: RoleUser, Content: "question about quic"},
	}

	out := CompactContext("rolling summary of networking chat", turns)

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "rolling summary of networking chat", lines[0])
	assert.Equal(t, "User: question about quic", lines[1])
	assert.Equal(t, "User: question about tls", lines[2])
	assert.Equal(t, "Assistant: tls answer", lines[3])
	assert.Contains(t, out, "User: old question about dns")
}

func TestCompactContextBudget(t *testing.T) {
	long := strings.Repeat("x ", 2000)
	turns := []Turn{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: long},
		{Role: RoleUser, Content: long + "distinct"},
	}

	out := CompactContext(long, turns)

	assert.LessOrEqual(t, len(out), summaryBudget+16, "budget may only be exceeded by separators")
}

func TestHeuristicClassifierFollowUp(t *testing.T) {
	c := HeuristicClassifier{}

	assert.True(t, c.IsFollowUp("what about the pricing"))
	assert.True(t, c.IsFollowUp("It broke again"))
	assert.True(t, c.IsFollowUp("tell me more about raft"))
	assert.True(t, c.IsFollowUp("and the second one?"))
	assert.False(t, c.IsFollowUp("explain raft consensus"))
	assert.False(t, c.IsFollowUp(""))
}

func TestHeuristicClassifierEntities(t *testing.T) {
	c := HeuristicClassifier{}

	entities := c.ExtractEntities(`We compared "etcd watch latency" against Apache Kafka throughput.`)

	assert.Contains(t, entities, "etcd watch latency")
	assert.Contains(t, entities, "Apache Kafka")
}

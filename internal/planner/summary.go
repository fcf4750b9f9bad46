package planner

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/lexical"
)

// Compaction budgets, in characters.
const (
	summaryBudget      = 1600
	rollingBudget      = 800
	recentTurnBudget   = 380
	olderTurnBudget    = 220
	maxRecentUserTurns = 2
)

// CompactContext builds the recency-weighted context summary used by both
// planning and prompt assembly: the rolling summary first, then the last two
// distinct user turns, then the last assistant turn, then older turns as
// one-line "Role: text" entries until the total budget is reached.
func CompactContext(rollingSummary string, turns []Turn) string {
	var parts []string
	total := 0

	appendPart := func(s string) bool {
		if s == "" {
			return true
		}
		if total+len(s) > summaryBudget {
			return false
		}
		parts = append(parts, s)
		total += len(s)
		return true
	}

	if rollingSummary != "" {
		appendPart(lexical.Truncate(strings.TrimSpace(rollingSummary), rollingBudget))
	}

	used := make(map[int]bool)

	// Last two distinct user turns, newest first.
	seenUser := make(map[string]bool)
	userCount := 0
	for i := len(turns) - 1; i >= 0 && userCount < maxRecentUserTurns; i-- {
		t := turns[i]
		if t.Role != RoleUser {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" || seenUser[content] {
			continue
		}
		seenUser[content] = true
		used[i] = true
		userCount++
		if !appendPart("User: " + lexical.Truncate(content, recentTurnBudget)) {
			return strings.Join(parts, "\n")
		}
	}

	// Last assistant turn.
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != RoleAssistant {
			continue
		}
		used[i] = true
		if !appendPart("Assistant: " + lexical.Truncate(strings.TrimSpace(t.Content), recentTurnBudget)) {
			return strings.Join(parts, "\n")
		}
		break
	}

	// Older turns as one-liners, newest first, until the budget runs out.
	for i := len(turns) - 1; i >= 0; i-- {
		if used[i] {
			continue
		}
		t := turns[i]
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", titleRole(t.Role), lexical.Truncate(content, olderTurnBudget))
		if !appendPart(line) {
			break
		}
	}

	return strings.Join(parts, "\n")
}

func titleRole(role string) string {
	switch role {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return role
	}
}

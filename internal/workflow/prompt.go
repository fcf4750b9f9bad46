package workflow

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/harvest"
	"github.com/meridianhq/meridian/internal/lexical"
)

const (
	maxPromptSnippets = 10
	maxPromptPages    = 5
	pageExcerptLimit  = 2000
)

const synthesisSystemPrompt = `You are a research assistant. Answer the user's question using the evidence provided below. Cite sources inline as [n] matching the numbered source list. If the evidence does not cover the question, say so rather than guessing. Be concise and factual.`

// buildSynthesisPrompt renders the evidence bundle and conversation context
// into the system prompt for answer synthesis.
func buildSynthesisPrompt(contextSummary string, evidence *harvest.Evidence) string {
	var b strings.Builder
	b.WriteString(synthesisSystemPrompt)

	if contextSummary != "" {
		b.WriteString("\n\n## Conversation context\n")
		b.WriteString(contextSummary)
	}

	if evidence == nil || evidence.IsEmpty() {
		b.WriteString("\n\nNo web evidence was gathered for this question; answer from general knowledge and say that no sources were found.")
		return b.String()
	}

	if evidence.SerpEnrichment != nil {
		if answer, ok := evidence.SerpEnrichment.AnswerBox["answer"].(string); ok && answer != "" {
			b.WriteString("\n\n## Direct answer candidate\n")
			b.WriteString(answer)
		}
	}

	if len(evidence.SearchResults) > 0 {
		b.WriteString("\n\n## Sources\n")
		for i, hit := range evidence.SearchResults {
			if i == maxPromptSnippets {
				break
			}
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n", i+1, hit.Title, hit.URL, hit.Snippet)
		}
	}

	if len(evidence.ScrapedContent) > 0 {
		b.WriteString("\n## Page excerpts\n")
		for i, page := range evidence.ScrapedContent {
			if i == maxPromptPages {
				break
			}
			fmt.Fprintf(&b, "### %s (%s)\n%s\n", page.Title, page.URL,
				lexical.Truncate(page.Content, pageExcerptLimit))
		}
	}

	return b.String()
}

// fallbackAnswer produces a plain-text answer directly from the evidence,
// used when no completion provider is configured for synthesis.
func fallbackAnswer(evidence *harvest.Evidence) string {
	if evidence == nil || evidence.IsEmpty() {
		return "No research results were found for this question."
	}

	var b strings.Builder
	b.WriteString("Here is what was found:\n\n")
	for i, hit := range evidence.SearchResults {
		if i == maxPromptSnippets {
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", hit.Title, hit.URL, hit.Snippet)
	}
	return b.String()
}

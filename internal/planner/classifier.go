package planner

import (
	"regexp"
	"strings"
	"unicode"
)

// Classifier decides whether a message linguistically continues the previous
// topic and extracts entity terms for query enrichment. It is an interface so
// the regex/keyword strategy can be swapped for a model-based classifier
// without touching the planner's control flow.
type Classifier interface {
	IsFollowUp(text string) bool
	ExtractEntities(text string) []string
}

// HeuristicClassifier is the default regex/keyword strategy.
type HeuristicClassifier struct{}

var (
	leadingPronounRe = regexp.MustCompile(`(?i)^(it|its|this|that|these|those|they|them|he|she)\b`)
	followUpPhraseRe = regexp.MustCompile(`(?i)^(what about|how about|and |also |tell me more about|more about|why is that|can you elaborate)`)
	quotedPhraseRe   = regexp.MustCompile(`"([^"]{2,60})"`)
)

// IsFollowUp reports whether text matches a follow-up linguistic pattern:
// a leading pronoun, "what about …", a leading "and …", or
// "tell me more about …".
func (HeuristicClassifier) IsFollowUp(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return leadingPronounRe.MatchString(trimmed) || followUpPhraseRe.MatchString(trimmed)
}

// ExtractEntities returns quoted phrases and capitalized word runs from text,
// in first-seen order.
func (HeuristicClassifier) ExtractEntities(text string) []string {
	var entities []string
	seen := make(map[string]struct{})

	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" {
			return
		}
		key := strings.ToLower(e)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, e)
	}

	for _, m := range quotedPhraseRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	// Capitalized word runs, skipping a sentence-initial single word.
	words := strings.Fields(text)
	var run []string
	flush := func(startsSentence bool) {
		if len(run) >= 2 || (len(run) == 1 && !startsSentence) {
			add(strings.Join(run, " "))
		}
		run = nil
	}
	prevEndedSentence := true
	runStartsSentence := false
	for _, w := range words {
		cleaned := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if cleaned != "" && unicode.IsUpper([]rune(cleaned)[0]) {
			if len(run) == 0 {
				runStartsSentence = prevEndedSentence
			}
			run = append(run, cleaned)
		} else {
			flush(runStartsSentence)
		}
		prevEndedSentence = strings.ContainsAny(w, ".!?")
	}
	flush(runStartsSentence)

	return entities
}

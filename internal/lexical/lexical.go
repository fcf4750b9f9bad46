// Package lexical provides the tokenization, set-similarity, and query
// diversification primitives shared by the planner and the research executor.
package lexical

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxQueries is the number of queries selected by DiversifyQueries
	// when the caller passes a non-positive limit.
	DefaultMaxQueries = 4

	// DefaultLambda balances relevance against novelty in MMR selection.
	DefaultLambda = 0.7
)

// Tokenize lowercases the input and splits it on runs of non-alphanumeric
// characters. Empty tokens are dropped.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard computes |A∩B| / |A∪B| over the token sets of a and b.
// When both sets are empty the union size is treated as 1, so the result is 0
// rather than a division by zero.
func Jaccard(a, b string) float64 {
	return JaccardSets(TokenSet(a), TokenSet(b))
}

// JaccardSets computes the Jaccard similarity of two prebuilt token sets.
func JaccardSets(a, b map[string]struct{}) float64 {
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		union = 1
	}
	return float64(intersection) / float64(union)
}

// DiversifyQueries selects up to maxQueries entries from pool using greedy
// Maximal Marginal Relevance against the reference query:
//
//	score = lambda*relevance(candidate, reference) + (1-lambda)*min novelty
//
// where novelty against a selected query is 1 - jaccard(candidate, selected).
// Ties keep first-seen order. Duplicate and blank pool entries are skipped.
func DiversifyQueries(pool []string, reference string, maxQueries int, lambda float64) []string {
	if maxQueries <= 0 {
		maxQueries = DefaultMaxQueries
	}
	if lambda < 0 || lambda > 1 {
		lambda = DefaultLambda
	}

	refSet := TokenSet(reference)

	type candidate struct {
		text string
		set  map[string]struct{}
	}
	seen := make(map[string]struct{})
	candidates := make([]candidate, 0, len(pool))
	for _, q := range pool {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, candidate{text: q, set: TokenSet(q)})
	}

	selected := make([]string, 0, maxQueries)
	selectedSets := make([]map[string]struct{}, 0, maxQueries)
	used := make([]bool, len(candidates))

	for len(selected) < maxQueries {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			relevance := JaccardSets(c.set, refSet)
			novelty := 1.0
			for _, sel := range selectedSets {
				if n := 1.0 - JaccardSets(c.set, sel); n < novelty {
					novelty = n
				}
			}
			score := lambda*relevance + (1-lambda)*novelty
			// Strict > keeps the first-seen candidate on ties.
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, candidates[bestIdx].text)
		selectedSets = append(selectedSets, candidates[bestIdx].set)
	}

	return selected
}

// TopNGrams extracts up to limit distinct word bigrams and trigrams from text,
// in first-seen order. Used by the planner to derive context query variants.
func TopNGrams(text string, limit int) []string {
	tokens := Tokenize(text)
	seen := make(map[string]struct{})
	grams := make([]string, 0, limit)
	for n := 3; n >= 2 && len(grams) < limit; n-- {
		for i := 0; i+n <= len(tokens) && len(grams) < limit; i++ {
			gram := strings.Join(tokens[i:i+n], " ")
			if _, dup := seen[gram]; dup {
				continue
			}
			seen[gram] = struct{}{}
			grams = append(grams, gram)
		}
	}
	return grams
}

// Truncate trims s to at most max bytes, cutting on a rune boundary.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

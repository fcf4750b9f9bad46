package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, WORLD!  42"))
	assert.Empty(t, Tokenize("  ...  "))
	assert.Empty(t, Tokenize(""))
}

func TestJaccardSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"go concurrency patterns", "concurrency in go"},
		{"alpha beta", "gamma delta"},
		{"", "something"},
		{"", ""},
	}
	for _, p := range pairs {
		assert.InDelta(t, Jaccard(p[0], p[1]), Jaccard(p[1], p[0]), 1e-12)
	}
}

func TestJaccardIdentity(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("rust borrow checker", "rust borrow checker"))
}

func TestJaccardEmptyBothIsZero(t *testing.T) {
	// Union of two empty sets is treated as size 1, not a divide-by-zero.
	assert.Equal(t, 0.0, Jaccard("", ""))
	assert.Equal(t, 0.0, Jaccard("...", "!!!"))
}

func TestDiversifyQueriesBounds(t *testing.T) {
	pool := []string{
		"go generics tutorial",
		"go generics examples",
		"golang type parameters",
		"rust traits comparison",
		"go generics tutorial", // duplicate
		"   ",
	}
	out := DiversifyQueries(pool, "go generics", 3, 0.7)

	require.LessOrEqual(t, len(out), 3)
	seen := make(map[string]bool)
	for _, q := range out {
		assert.False(t, seen[q], "duplicate in selection: %s", q)
		seen[q] = true
		assert.Contains(t, pool, q, "selection must be drawn from the pool")
	}
}

func TestDiversifyQueriesPoolExhausted(t *testing.T) {
	out := DiversifyQueries([]string{"only one"}, "reference", 4, 0.7)
	assert.Equal(t, []string{"only one"}, out)
}

func TestDiversifyQueriesPrefersRelevantFirst(t *testing.T) {
	pool := []string{
		"completely unrelated topic",
		"go memory model explained",
	}
	out := DiversifyQueries(pool, "go memory model", 1, 0.7)
	require.Len(t, out, 1)
	assert.Equal(t, "go memory model explained", out[0])
}

func TestDiversifyQueriesTieBreakFirstSeen(t *testing.T) {
	// Two candidates with identical token sets score identically; the
	// first-seen one must win.
	pool := []string{"alpha beta", "beta alpha"}
	out := DiversifyQueries(pool, "gamma", 1, 0.7)
	require.Len(t, out, 1)
	assert.Equal(t, "alpha beta", out[0])
}

func TestTopNGrams(t *testing.T) {
	grams := TopNGrams("kubernetes operator pattern deep dive", 3)
	require.Len(t, grams, 3)
	assert.Equal(t, "kubernetes operator pattern", grams[0])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcd", 2))
	// Never split a multi-byte rune.
	assert.Equal(t, "é", Truncate("éé", 3))
}

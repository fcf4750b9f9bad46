package search

import (
	"net/url"
	"strings"
)

// Search method identifiers reported in cascade results.
const (
	MethodSerper     = "serper"
	MethodExa        = "exa"
	MethodDuckDuckGo = "duckduckgo"
	MethodFallback   = "fallback"
)

// Hit is a single search result. URL is the dedup key after normalization.
type Hit struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Enrichment carries provider-supplied direct-answer data. At most one
// enrichment block is retained per research run; the first non-empty wins.
type Enrichment struct {
	KnowledgeGraph   map[string]any   `json:"knowledge_graph,omitempty"`
	AnswerBox        map[string]any   `json:"answer_box,omitempty"`
	RelatedQuestions []string         `json:"related_questions,omitempty"`
	PeopleAlsoAsk    []map[string]any `json:"people_also_ask,omitempty"`
	RelatedSearches  []string         `json:"related_searches,omitempty"`
}

// IsEmpty reports whether the enrichment carries no data.
func (e *Enrichment) IsEmpty() bool {
	if e == nil {
		return true
	}
	return len(e.KnowledgeGraph) == 0 && len(e.AnswerBox) == 0 &&
		len(e.RelatedQuestions) == 0 && len(e.PeopleAlsoAsk) == 0 &&
		len(e.RelatedSearches) == 0
}

// ProviderResult is what a single provider returns.
type ProviderResult struct {
	Results    []Hit
	Enrichment *Enrichment
}

// Result is the cascade's answer for one query.
type Result struct {
	Results        []Hit       `json:"results"`
	SearchMethod   string      `json:"search_method"`
	HasRealResults bool        `json:"has_real_results"`
	Enrichment     *Enrichment `json:"enrichment,omitempty"`
	ProviderErrors []string    `json:"provider_errors,omitempty"`
}

// trackingParams are query parameters stripped during URL normalization.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"msclkid": true,
	"ref":     true,
	"ref_src": true,
	"spm":     true,
	"yclid":   true,
}

// NormalizeURL canonicalizes a URL for deduplication: lowercase scheme and
// host, no fragment, no trailing slash, tracking query parameters removed.
// Unparseable input is returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for param := range q {
			if trackingParams[param] || strings.HasPrefix(param, "utm_") {
				q.Del(param)
			}
		}
		u.RawQuery = q.Encode()
	}

	out := u.String()
	return strings.TrimSuffix(out, "/")
}

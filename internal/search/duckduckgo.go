package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const duckduckgoRelevance = 0.7

// DuckDuckGoProvider is the tertiary, keyless provider. It scrapes the
// DuckDuckGo HTML endpoint, which needs no credentials, so it serves as the
// last real backend before the synthetic fallback.
type DuckDuckGoProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGoProvider creates the tertiary provider.
func NewDuckDuckGoProvider(httpClient *http.Client) *DuckDuckGoProvider {
	return &DuckDuckGoProvider{
		baseURL:    "https://html.duckduckgo.com/html/",
		httpClient: httpClient,
	}
}

// Name returns the provider identifier.
func (p *DuckDuckGoProvider) Name() string { return MethodDuckDuckGo }

// Available always reports true; the endpoint is keyless.
func (p *DuckDuckGoProvider) Available() bool { return true }

// Search fetches and parses the DuckDuckGo HTML results page.
func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) (*ProviderResult, error) {
	reqURL := p.baseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; meridian-research/1.0)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duckduckgo response: %w", err)
	}

	hits := parseDuckDuckGoResults(doc, maxResults)
	return &ProviderResult{Results: hits}, nil
}

// parseDuckDuckGoResults walks the document collecting result anchors
// (class "result__a") and their sibling snippets (class "result__snippet").
func parseDuckDuckGoResults(doc *html.Node, maxResults int) []Hit {
	var hits []Hit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if maxResults > 0 && len(hits) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			link := resolveRedirect(attr(n, "href"))
			title := strings.TrimSpace(textContent(n))
			if link != "" && title != "" {
				hits = append(hits, Hit{
					Title:          title,
					URL:            link,
					Snippet:        nearestSnippet(n),
					RelevanceScore: duckduckgoRelevance,
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && u.Host == "" {
		return ""
	}
	return href
}

// nearestSnippet finds the snippet element in the anchor's enclosing result.
func nearestSnippet(anchor *html.Node) string {
	// Walk up to the result container, then search down for the snippet.
	container := anchor
	for container.Parent != nil && !hasClass(container, "result") {
		container = container.Parent
	}
	var snippet string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if snippet != "" {
			return
		}
		if n.Type == html.ElementNode && hasClass(n, "result__snippet") {
			snippet = strings.TrimSpace(textContent(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)
	return snippet
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Package scrape fetches single pages and extracts their main text content.
// Fetch depth is always 1: no link-following, one hop per URL.
package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/meridianhq/meridian/internal/lexical"
	"github.com/meridianhq/meridian/internal/logger"
)

const (
	// DefaultContentLimit caps extracted content length in bytes.
	DefaultContentLimit = 8000

	// DefaultMinContent is the minimum extracted length for a page to count
	// as successfully scraped; shorter pages are skipped by callers.
	DefaultMinContent = 200

	// summaryLimit caps the generated summary.
	summaryLimit = 400

	maxBodyBytes = 2 << 20 // 2MB fetch ceiling
)

// Page is the result of scraping one URL.
type Page struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Summary       string    `json:"summary"`
	ContentLength int       `json:"content_length"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// Service fetches and extracts page content with SSRF defenses.
type Service struct {
	httpClient   *http.Client
	logger       *logger.Logger
	contentLimit int
	lookupIP     func(host string) ([]net.IP, error)
}

// Option configures a Service.
type Option func(*Service)

// WithContentLimit overrides the extracted-content byte budget.
func WithContentLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.contentLimit = limit
		}
	}
}

// WithLookupIP injects the host resolver, used by tests.
func WithLookupIP(fn func(host string) ([]net.IP, error)) Option {
	return func(s *Service) { s.lookupIP = fn }
}

// NewService creates a scrape service with the given fetch timeout.
func NewService(timeout time.Duration, logger *logger.Logger, opts ...Option) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Service{
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger.WithComponent("scraper"),
		contentLimit: DefaultContentLimit,
		lookupIP:     net.LookupIP,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scrape fetches one URL and extracts its main text. Rejected: non-http(s)
// schemes and hosts resolving to loopback, private, or link-local addresses.
func (s *Service) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	target, err := s.validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; meridian-research/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(http.MaxBytesReader(nil, resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	title, content := extract(doc)
	content = lexical.Truncate(content, s.contentLimit)

	s.logger.WithContext(ctx).Debug("page scraped",
		slog.String("url", lexical.Truncate(rawURL, 120)),
		slog.Int("content_length", len(content)))

	return &Page{
		URL:           rawURL,
		Title:         title,
		Content:       content,
		Summary:       lexical.Truncate(content, summaryLimit),
		ContentLength: len(content),
		ScrapedAt:     time.Now().UTC(),
	}, nil
}

// validateURL enforces the SSRF policy before any request is made.
func (s *Service) validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("URL has no host")
	}

	ips, err := s.lookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return nil, fmt.Errorf("host %s resolves to a restricted address", host)
		}
	}
	return u, nil
}

// extract walks the document and returns the title and main text. Container
// preference: <main>, <article>, #content, #main-content, then the whole body;
// within the chosen container, <p> text is joined with spaces.
func extract(doc *html.Node) (title, content string) {
	title = findTitle(doc)

	container := findContainer(doc)
	if container == nil {
		container = doc
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer", "header":
				return
			case "p", "li", "h1", "h2", "h3":
				if text := strings.TrimSpace(nodeText(n)); text != "" {
					parts = append(parts, text)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)

	return title, strings.Join(parts, " ")
}

func findTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

func findContainer(doc *html.Node) *html.Node {
	byTag := map[string]*html.Node{}
	byID := map[string]*html.Node{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if (n.Data == "main" || n.Data == "article") && byTag[n.Data] == nil {
				byTag[n.Data] = n
			}
			if id := nodeAttr(n, "id"); id == "content" || id == "main-content" {
				if byID[id] == nil {
					byID[id] = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, key := range []string{"main", "article"} {
		if n := byTag[key]; n != nil {
			return n
		}
	}
	for _, key := range []string{"content", "main-content"} {
		if n := byID[key]; n != nil {
			return n
		}
	}
	return nil
}

func nodeAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
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

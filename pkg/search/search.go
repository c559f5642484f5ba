// Package search finds candidate URLs for a query through the DuckDuckGo
// HTML endpoint.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/agentmesh/agentmesh/pkg/version"
)

const defaultEndpoint = "https://html.duckduckgo.com/html/"

// Client queries the web search endpoint and extracts result URLs.
type Client struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
}

// New creates a search client against the default endpoint.
func New() *Client {
	return &Client{
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "Mozilla/5.0 (compatible; " + version.Full() + ")",
	}
}

// NewWithEndpoint creates a client against a specific endpoint (tests).
func NewWithEndpoint(endpoint string) *Client {
	c := New()
	c.endpoint = endpoint
	return c
}

// Search returns up to maxResults result URLs for the query, in rank order.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	results := parseResults(string(body))
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// parseResults extracts result links (anchors with the result__a class) in
// document order, resolving the endpoint's redirect wrapper.
func parseResults(page string) []string {
	node, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var results []string
	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			if href := attr(n, "href"); href != "" {
				if target := unwrapRedirect(href); target != "" && !seen[target] {
					seen[target] = true
					results = append(results, target)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return results
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// unwrapRedirect resolves the /l/?uddg=<encoded> redirect wrapper around
// result links. Plain links pass through.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return href
	}
	return ""
}

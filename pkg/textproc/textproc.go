// Package textproc holds the text plumbing shared by the crawler and the
// synthesis worker: HTML text extraction, content hashing, and overlapping
// chunk splitting.
package textproc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Default chunking parameters used for crawl chunks and synthesis windows.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// ExtractText returns the visible text of an HTML document, one fragment per
// line. Malformed input yields whatever text could be recovered; it never
// returns an error because the tokenizer is forgiving by design.
func ExtractText(htmlBody string) string {
	if htmlBody == "" {
		return ""
	}
	node, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}

// ExtractHrefs collects the href attribute of every anchor in an HTML
// document, in document order.
func ExtractHrefs(htmlBody string) []string {
	if htmlBody == "" {
		return nil
	}
	node, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" && attr.Val != "" {
					hrefs = append(hrefs, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return hrefs
}

// NormalizeURL canonicalizes a URL to scheme+host+path with query: fragment
// dropped, host lowercased, trailing slash stripped. Only absolute http(s)
// URLs normalize; everything else is rejected.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// ResolveHref resolves an href against the page it appeared on. Relative
// links become absolute; the result is normalized.
func ResolveHref(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return NormalizeURL(base.ResolveReference(ref).String())
}

// Domain extracts the lowercased host (with port, if any) of a URL.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// CollapseWhitespace folds all runs of whitespace into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the hex SHA-256 of a string; the stable identity for both
// full documents and chunks.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SplitText cuts text into windows of chunkSize runes advancing by
// chunkSize-overlap, so consecutive chunks share overlap runes. Windowing
// over runes keeps multi-byte characters whole at chunk boundaries.
func SplitText(text string, chunkSize, overlap int) []string {
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}
	runes := []rune(text)
	step := chunkSize - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+chunkSize, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// ChunkHashes returns the set of chunk hashes for a list of chunks.
func ChunkHashes(chunks []string) map[string]bool {
	set := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		set[Hash(c)] = true
	}
	return set
}

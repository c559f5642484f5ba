package vectorstore

import (
	"regexp"
	"strings"
)

// Namespace construction for collection names:
// {tenant}.learning.data.{version}.{path...}. Crawled chunks live under the
// scout.crawler path.
const globalDataTemplate = "learning.data"

var namespaceUnsafe = regexp.MustCompile(`[^a-z0-9_.-]`)

// NamespaceBuilder renders collection names for one tenant and version.
type NamespaceBuilder struct {
	Tenant  string
	Version string
}

// GlobalData builds the namespace for shared learned data, with optional
// path segments appended.
func (b NamespaceBuilder) GlobalData(path ...string) string {
	parts := []string{sanitize(b.Tenant), globalDataTemplate, sanitize(b.Version)}
	for _, segment := range path {
		parts = append(parts, sanitize(segment))
	}
	return strings.Join(parts, ".")
}

// CrawlerCollection is the collection holding crawled chunk documents.
func (b NamespaceBuilder) CrawlerCollection() string {
	return b.GlobalData("scout", "crawler")
}

func sanitize(value string) string {
	value = strings.ToLower(value)
	value = namespaceUnsafe.ReplaceAllString(value, "-")
	return strings.Trim(value, ".")
}

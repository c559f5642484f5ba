package crawler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentmesh/agentmesh/pkg/ledger"
	"github.com/agentmesh/agentmesh/pkg/textproc"
)

// Crawl lifecycle statuses.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusVisited    = "visited"
	StatusFailed     = "failed"
)

// Record is the durable per-URL crawl state.
type Record struct {
	URL         string
	Domain      string
	Status      string
	LastCrawled time.Time
	ContentHash string
	Etag        string
	Error       string
}

// CrawlingLedger is the crawl-specific view over the shared ledger: URL
// lifecycle records, claim locks, per-URL chunk sets, global chunk
// refcounts, the seen-URL set, and the crawl queue.
type CrawlingLedger struct {
	ledger *ledger.Ledger
}

// NewCrawlingLedger wraps a connected ledger.
func NewCrawlingLedger(l *ledger.Ledger) *CrawlingLedger {
	return &CrawlingLedger{ledger: l}
}

// Ping reports ledger reachability for health checks.
func (c *CrawlingLedger) Ping(ctx context.Context) error {
	if !c.ledger.Ping(ctx) {
		return fmt.Errorf("ledger unreachable")
	}
	return nil
}

// Keys are derived from the URL hash so arbitrary URLs stay within Redis
// key-length limits.
func recordKey(url string) string   { return textproc.Hash(url) }
func lockKey(url string) string     { return "crawl_lock:" + textproc.Hash(url) }
func urlChunkKey(url string) string { return "crawler:url_chunks:" + textproc.Hash(url) }

// Record returns the crawl record for a normalized URL, or (nil, nil) when
// the URL was never recorded.
func (c *CrawlingLedger) Record(ctx context.Context, url string) (*Record, error) {
	fields, err := c.ledger.HGetAll(ctx, ledger.NamespaceCrawled, recordKey(url))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Record{
		URL:         fields["url"],
		Domain:      fields["domain"],
		Status:      fields["status"],
		ContentHash: fields["content_hash"],
		Etag:        fields["etag"],
		Error:       fields["error"],
	}
	if ts, err := strconv.ParseFloat(fields["last_crawled"], 64); err == nil {
		sec := int64(ts)
		rec.LastCrawled = time.Unix(sec, int64((ts-float64(sec))*1e9))
	}
	return rec, nil
}

// ContentHash returns the stored full-text hash for a URL, "" when absent.
func (c *CrawlingLedger) ContentHash(ctx context.Context, url string) (string, error) {
	return c.ledger.HGetRaw(ctx, ledger.NamespaceCrawled, recordKey(url), "content_hash")
}

// IsFresh reports whether the URL was visited within the freshness window.
func (c *CrawlingLedger) IsFresh(ctx context.Context, url string, window time.Duration) (bool, error) {
	rec, err := c.Record(ctx, url)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.Status != StatusVisited {
		return false, nil
	}
	return time.Since(rec.LastCrawled) < window, nil
}

// Claim takes the per-URL crawl lock. Exactly one concurrent caller wins;
// the TTL expires claims abandoned by dead workers.
func (c *CrawlingLedger) Claim(ctx context.Context, url string, ttl time.Duration) (bool, error) {
	return c.ledger.AcquireLock(ctx, lockKey(url), ttl)
}

// Release drops the crawl lock.
func (c *CrawlingLedger) Release(ctx context.Context, url string) error {
	return c.ledger.ReleaseLock(ctx, lockKey(url))
}

// MarkInProgress records the URL as being crawled right now.
func (c *CrawlingLedger) MarkInProgress(ctx context.Context, url string) error {
	return c.writeStatus(ctx, url, StatusInProgress, nil)
}

// MarkVisited records a successful crawl with its content hash and releases
// the claim lock.
func (c *CrawlingLedger) MarkVisited(ctx context.Context, url, contentHash string) error {
	err := c.writeStatus(ctx, url, StatusVisited, map[string]string{
		"content_hash": contentHash,
		"error":        "",
	})
	if err != nil {
		return err
	}
	return c.Release(ctx, url)
}

// MarkFailed records a failed crawl with its reason, drops the URL from the
// seen set so a later discovery re-admits it, and releases the claim lock.
func (c *CrawlingLedger) MarkFailed(ctx context.Context, url, reason string) error {
	err := c.writeStatus(ctx, url, StatusFailed, map[string]string{"error": reason})
	if err != nil {
		return err
	}
	if err := c.ledger.SRem(ctx, ledger.SeenURLSet, url); err != nil {
		return err
	}
	return c.Release(ctx, url)
}

func (c *CrawlingLedger) writeStatus(ctx context.Context, url, status string, extra map[string]string) error {
	domain, err := textproc.Domain(url)
	if err != nil {
		return fmt.Errorf("derive domain: %w", err)
	}
	fields := map[string]string{
		"url":          url,
		"domain":       domain,
		"status":       status,
		"last_crawled": strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return c.ledger.HSetMap(ctx, ledger.NamespaceCrawled, recordKey(url), fields)
}

// ---- chunk bookkeeping ----

// URLChunks returns the chunk hashes currently indexed for a URL.
func (c *CrawlingLedger) URLChunks(ctx context.Context, url string) (map[string]bool, error) {
	members, err := c.ledger.SMembers(ctx, urlChunkKey(url))
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set, nil
}

// ReplaceURLChunks overwrites the URL's chunk set.
func (c *CrawlingLedger) ReplaceURLChunks(ctx context.Context, url string, chunkHashes map[string]bool) error {
	key := urlChunkKey(url)
	if err := c.ledger.Del(ctx, key); err != nil {
		return err
	}
	if len(chunkHashes) == 0 {
		return nil
	}
	members := make([]string, 0, len(chunkHashes))
	for h := range chunkHashes {
		members = append(members, h)
	}
	_, err := c.ledger.SAdd(ctx, key, members...)
	return err
}

// IncrChunkRef atomically bumps a chunk's global refcount and returns the
// new value. A return of 1 means this caller owns the insert.
func (c *CrawlingLedger) IncrChunkRef(ctx context.Context, chunkHash string) (int64, error) {
	return c.ledger.HIncrBy(ctx, ledger.ChunkRefcount, chunkHash, 1)
}

// DecrChunkRef atomically drops a chunk's global refcount and returns the
// new value. A return of 0 or less means this caller owns the delete.
func (c *CrawlingLedger) DecrChunkRef(ctx context.Context, chunkHash string) (int64, error) {
	return c.ledger.HIncrBy(ctx, ledger.ChunkRefcount, chunkHash, -1)
}

// DeleteChunkRef removes a chunk's refcount entry after its document is gone.
func (c *CrawlingLedger) DeleteChunkRef(ctx context.Context, chunkHash string) error {
	return c.ledger.HDelRaw(ctx, ledger.ChunkRefcount, chunkHash)
}

// ---- discovery and queue ----

// FirstSeen atomically tests-and-records URL discovery. True exactly once
// per URL across all crawler processes.
func (c *CrawlingLedger) FirstSeen(ctx context.Context, url string) (bool, error) {
	n, err := c.ledger.SAdd(ctx, ledger.SeenURLSet, url)
	return n == 1, err
}

// Enqueue pushes URLs onto the crawl queue.
func (c *CrawlingLedger) Enqueue(ctx context.Context, urls ...string) error {
	_, err := c.ledger.LPush(ctx, ledger.CrawlQueue, urls...)
	return err
}

// Dequeue blocks up to timeout for the next queued URL.
func (c *CrawlingLedger) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	return c.ledger.BRPop(ctx, timeout, ledger.CrawlQueue)
}

// QueueSize reports crawl queue depth.
func (c *CrawlingLedger) QueueSize(ctx context.Context) (int64, error) {
	return c.ledger.LLen(ctx, ledger.CrawlQueue)
}

// ClearQueue drops every queued URL.
func (c *CrawlingLedger) ClearQueue(ctx context.Context) error {
	return c.ledger.Del(ctx, ledger.CrawlQueue)
}

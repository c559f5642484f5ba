// Package crawler implements the two-stage crawl pipeline: fetch workers
// popping the shared crawl queue, and an enqueue manager admitting
// discovered links under a queue-depth bound. Crawled text is chunked,
// diffed against the previous crawl, and stored refcounted in the vector
// store.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/perceptor"
	"github.com/agentmesh/agentmesh/pkg/retry"
	"github.com/agentmesh/agentmesh/pkg/textproc"
	"github.com/agentmesh/agentmesh/pkg/vectorstore"
)

// ShutdownSentinel is pushed onto the crawl queue once per worker at stop.
const ShutdownSentinel = "shutdown"

var errShutdown = errors.New("shutdown signalled")

// CrawlLedger is the durable state the pipeline needs. *CrawlingLedger is
// the production implementation.
type CrawlLedger interface {
	IsFresh(ctx context.Context, url string, window time.Duration) (bool, error)
	Claim(ctx context.Context, url string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, url string) error
	MarkInProgress(ctx context.Context, url string) error
	MarkVisited(ctx context.Context, url, contentHash string) error
	MarkFailed(ctx context.Context, url, reason string) error
	ContentHash(ctx context.Context, url string) (string, error)
	URLChunks(ctx context.Context, url string) (map[string]bool, error)
	ReplaceURLChunks(ctx context.Context, url string, chunkHashes map[string]bool) error
	IncrChunkRef(ctx context.Context, chunkHash string) (int64, error)
	DecrChunkRef(ctx context.Context, chunkHash string) (int64, error)
	DeleteChunkRef(ctx context.Context, chunkHash string) error
	FirstSeen(ctx context.Context, url string) (bool, error)
	Enqueue(ctx context.Context, urls ...string) error
	Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error)
	QueueSize(ctx context.Context) (int64, error)
}

// Renderer fetches pages through the rendering service.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (*perceptor.RenderResult, error)
}

// ChunkStore is the vector-store subset the pipeline writes to.
type ChunkStore interface {
	Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error
	Delete(ctx context.Context, collection string, ids []string) error
}

// domainGate serializes fetches to one domain: a 1-permit semaphore held
// across the whole fetch (including retries) plus a limiter enforcing the
// minimum inter-request interval.
type domainGate struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// Crawler runs the pipeline against one collection.
type Crawler struct {
	cfg        *config.CrawlerConfig
	ledger     CrawlLedger
	renderer   Renderer
	store      ChunkStore
	collection string
	logger     *slog.Logger

	discoveries chan string

	mu    sync.Mutex
	gates map[string]*domainGate

	stopCh    chan struct{}
	stopOnce  sync.Once
	workerWG  sync.WaitGroup
	managerWG sync.WaitGroup
}

// New creates a Crawler writing chunk documents into collection.
func New(cfg *config.CrawlerConfig, l CrawlLedger, r Renderer, store ChunkStore, collection string) *Crawler {
	return &Crawler{
		cfg:         cfg,
		ledger:      l,
		renderer:    r,
		store:       store,
		collection:  collection,
		logger:      slog.Default(),
		discoveries: make(chan string, cfg.DiscoveryBufferSize),
		gates:       make(map[string]*domainGate),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the fetch workers and the enqueue manager.
func (c *Crawler) Start(ctx context.Context) {
	c.managerWG.Add(1)
	go func() {
		defer c.managerWG.Done()
		c.enqueueManager(ctx)
	}()

	for i := 0; i < c.cfg.Workers; i++ {
		c.workerWG.Add(1)
		go func(workerID int) {
			defer c.workerWG.Done()
			c.worker(ctx, workerID)
		}(i)
	}
	c.logger.Info("Crawler started", "workers", c.cfg.Workers, "collection", c.collection)
}

// Stop signals shutdown, pushes one sentinel per worker so blocked pops
// wake, and waits for the pipeline to drain or the context to expire.
func (c *Crawler) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		for i := 0; i < c.cfg.Workers; i++ {
			if err := c.ledger.Enqueue(context.WithoutCancel(ctx), ShutdownSentinel); err != nil {
				c.logger.Warn("Failed to push shutdown sentinel", "error", err)
			}
		}
		go func() {
			c.workerWG.Wait()
			close(c.discoveries)
		}()
	})

	done := make(chan struct{})
	go func() {
		c.workerWG.Wait()
		c.managerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Crawler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("crawler shutdown: %w", ctx.Err())
	}
}

// Seed normalizes and enqueues starting URLs, bypassing backpressure.
func (c *Crawler) Seed(ctx context.Context, urls []string) (int, error) {
	var enqueued int
	for _, raw := range urls {
		normalized, err := textproc.NormalizeURL(raw)
		if err != nil {
			c.logger.Warn("Skipping unparseable seed", "url", raw, "error", err)
			continue
		}
		if _, err := c.ledger.FirstSeen(ctx, normalized); err != nil {
			return enqueued, err
		}
		if err := c.ledger.Enqueue(ctx, normalized); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// worker pops the crawl queue until a sentinel arrives or shutdown is
// signalled. The 1 second pop timeout keeps the stop flag responsive.
func (c *Crawler) worker(ctx context.Context, workerID int) {
	log := c.logger.With("worker_id", workerID)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		url, ok, err := c.ledger.Dequeue(ctx, time.Second)
		if err != nil {
			log.Error("Queue pop failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if url == ShutdownSentinel {
			return
		}

		if err := c.processURL(ctx, url); err != nil {
			if errors.Is(err, errShutdown) {
				return
			}
			log.Error("Crawl failed", "url", url, "error", err)
		}
	}
}

// processURL runs one URL through the full pipeline. Returning nil covers
// both success and deliberate skips (fresh, already claimed).
func (c *Crawler) processURL(ctx context.Context, rawURL string) error {
	url, err := textproc.NormalizeURL(rawURL)
	if err != nil {
		c.logger.Warn("Dropping unparseable URL", "url", rawURL, "error", err)
		return nil
	}

	fresh, err := c.ledger.IsFresh(ctx, url, c.cfg.FreshnessWindow)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}

	claimed, err := c.ledger.Claim(ctx, url, c.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it.
		return nil
	}

	if err := c.ledger.MarkInProgress(ctx, url); err != nil {
		// The claim is ours; give it back rather than letting the TTL run.
		if relErr := c.ledger.Release(ctx, url); relErr != nil {
			c.logger.Error("Failed to release claim", "url", url, "error", relErr)
		}
		return err
	}

	if err := c.crawl(ctx, url); err != nil {
		if markErr := c.ledger.MarkFailed(ctx, url, err.Error()); markErr != nil {
			c.logger.Error("Failed to record crawl failure", "url", url, "error", markErr)
		}
		return err
	}
	return nil
}

func (c *Crawler) crawl(ctx context.Context, url string) error {
	render, err := c.rateLimitedFetch(ctx, url)
	if err != nil {
		return err
	}
	if render.Body == "" {
		return errors.New("fetch_failed")
	}

	text := textproc.ExtractText(render.Body)
	if text == "" {
		return errors.New("empty_content")
	}
	text = textproc.CollapseWhitespace(text)
	fullHash := textproc.Hash(text)

	previousHash, err := c.ledger.ContentHash(ctx, url)
	if err != nil {
		return err
	}
	if previousHash == fullHash {
		// Content unchanged: refresh last_crawled, skip all chunk work.
		return c.ledger.MarkVisited(ctx, url, fullHash)
	}

	if err := c.storeChunks(ctx, url, text); err != nil {
		return err
	}
	// Some renderer backends return the raw page without a link list.
	hrefs := render.Hrefs
	if len(hrefs) == 0 {
		hrefs = textproc.ExtractHrefs(render.Body)
	}
	if err := c.discoverLinks(ctx, url, hrefs); err != nil {
		return err
	}
	return c.ledger.MarkVisited(ctx, url, fullHash)
}

// storeChunks diffs the URL's chunks against its previous crawl and applies
// refcounted inserts and deletes.
func (c *Crawler) storeChunks(ctx context.Context, url, text string) error {
	oldChunks, err := c.ledger.URLChunks(ctx, url)
	if err != nil {
		return err
	}

	chunks := textproc.SplitText(text, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	newChunks := textproc.ChunkHashes(chunks)

	for hash := range oldChunks {
		if newChunks[hash] {
			continue
		}
		refcount, err := c.ledger.DecrChunkRef(ctx, hash)
		if err != nil {
			return err
		}
		if refcount <= 0 {
			if err := c.store.Delete(ctx, c.collection, []string{chunkDocID(hash)}); err != nil {
				return fmt.Errorf("delete chunk %s: %w", hash, err)
			}
			if err := c.ledger.DeleteChunkRef(ctx, hash); err != nil {
				return err
			}
		}
	}

	var docs []vectorstore.Document
	processed := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		hash := textproc.Hash(chunk)
		if oldChunks[hash] || processed[hash] {
			continue
		}
		processed[hash] = true

		refcount, err := c.ledger.IncrChunkRef(ctx, hash)
		if err != nil {
			return err
		}
		// Only the 0->1 transition owns the insert; peers already hold it.
		if refcount == 1 {
			docs = append(docs, vectorstore.Document{
				ID:       chunkDocID(hash),
				Text:     chunk,
				Metadata: map[string]any{"chunk_hash": hash},
			})
		}
	}
	if len(docs) > 0 {
		if err := c.store.Upsert(ctx, c.collection, docs); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
	}

	return c.ledger.ReplaceURLChunks(ctx, url, newChunks)
}

// discoverLinks records first sightings and hands new URLs to the enqueue
// manager.
func (c *Crawler) discoverLinks(ctx context.Context, pageURL string, hrefs []string) error {
	for _, href := range hrefs {
		normalized, err := textproc.ResolveHref(pageURL, href)
		if err != nil {
			continue
		}
		first, err := c.ledger.FirstSeen(ctx, normalized)
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		select {
		case c.discoveries <- normalized:
		case <-c.stopCh:
			return errShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// rateLimitedFetch holds the domain gate across the whole retry loop so a
// slow domain never sees overlapping requests from this process.
func (c *Crawler) rateLimitedFetch(ctx context.Context, url string) (*perceptor.RenderResult, error) {
	domain, err := textproc.Domain(url)
	if err != nil {
		return nil, err
	}
	gate := c.gate(domain)

	select {
	case gate.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, errShutdown
	}
	defer func() { <-gate.sem }()

	if err := gate.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts:     c.cfg.FetchAttempts,
		InitialInterval: c.cfg.FetchBackoff,
		Multiplier:      2,
	}
	return retry.DoValue(ctx, policy, func() (*perceptor.RenderResult, error) {
		return c.renderer.Render(ctx, url, c.cfg.RenderTimeout)
	})
}

func (c *Crawler) gate(domain string) *domainGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[domain]
	if !ok {
		g = &domainGate{
			sem:     make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Every(c.cfg.DomainRateLimit), 1),
		}
		c.gates[domain] = g
	}
	return g
}

// enqueueManager is the single admission point onto the crawl queue. While
// queue depth is at or above the bound it backs off, doubling the wait from
// BackpressureMin up to BackpressureMax.
func (c *Crawler) enqueueManager(ctx context.Context) {
	for url := range c.discoveries {
		if !c.waitForCapacity(ctx) {
			return
		}
		if err := c.ledger.Enqueue(ctx, url); err != nil {
			c.logger.Error("Enqueue failed", "url", url, "error", err)
		}
	}
}

func (c *Crawler) waitForCapacity(ctx context.Context) bool {
	wait := c.cfg.BackpressureMin
	for {
		size, err := c.ledger.QueueSize(ctx)
		if err != nil {
			c.logger.Error("Queue size check failed", "error", err)
			return true
		}
		if size < c.cfg.MaxQueueSize {
			return true
		}
		select {
		case <-time.After(wait):
		case <-c.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
		wait = min(wait*2, c.cfg.BackpressureMax)
	}
}

func chunkDocID(chunkHash string) string {
	return "chunk_" + chunkHash
}

package config

import "time"

// CrawlerConfig tunes the two-stage crawl pipeline.
type CrawlerConfig struct {
	// Workers is the number of fetch workers sharing the crawl queue.
	Workers int `yaml:"workers"`
	// DomainRateLimit is the minimum interval between consecutive fetches
	// to the same domain.
	DomainRateLimit time.Duration `yaml:"domain_rate_limit"`
	// MaxQueueSize is the admission bound on the crawl queue; the enqueue
	// manager backs off while depth is at or above it.
	MaxQueueSize int64 `yaml:"max_queue_size"`
	// DiscoveryBufferSize bounds the in-process discovery channel between
	// fetch workers and the enqueue manager.
	DiscoveryBufferSize int `yaml:"discovery_buffer_size"`
	// FreshnessWindow skips URLs visited more recently than this.
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	// ClaimTTL expires a crawl claim lock left behind by a dead worker.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
	// FetchAttempts and FetchBackoff drive the render retry loop
	// (backoff^attempt between failures).
	FetchAttempts int           `yaml:"fetch_attempts"`
	FetchBackoff  time.Duration `yaml:"fetch_backoff"`
	// RenderTimeout is the timeout passed to the rendering service.
	RenderTimeout time.Duration `yaml:"render_timeout"`
	// ChunkSize and ChunkOverlap shape text splitting before indexing.
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	// BackpressureMin and BackpressureMax bound the enqueue manager's wait
	// while the queue is full (doubling from min, capped at max).
	BackpressureMin time.Duration `yaml:"backpressure_min"`
	BackpressureMax time.Duration `yaml:"backpressure_max"`
}

// DefaultCrawlerConfig returns the built-in crawl tuning.
func DefaultCrawlerConfig() *CrawlerConfig {
	return &CrawlerConfig{
		Workers:             4,
		DomainRateLimit:     time.Second,
		MaxQueueSize:        1000,
		DiscoveryBufferSize: 256,
		FreshnessWindow:     24 * time.Hour,
		ClaimTTL:            120 * time.Second,
		FetchAttempts:       3,
		FetchBackoff:        time.Second,
		RenderTimeout:       15 * time.Second,
		ChunkSize:           1000,
		ChunkOverlap:        200,
		BackpressureMin:     500 * time.Millisecond,
		BackpressureMax:     5 * time.Second,
	}
}

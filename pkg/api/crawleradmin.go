package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Seeder admits URLs into the crawl pipeline.
type Seeder interface {
	Seed(ctx context.Context, urls []string) (int, error)
}

// QueueAdmin is the ledger slice the admin surface needs.
type QueueAdmin interface {
	QueueSize(ctx context.Context) (int64, error)
	ClearQueue(ctx context.Context) error
	Ping(ctx context.Context) error
}

// StoreHealth reports vector store reachability.
type StoreHealth interface {
	Heartbeat(ctx context.Context) bool
}

// CrawlerAdmin is the operator surface of the crawler process.
type CrawlerAdmin struct {
	seeder Seeder
	queue  QueueAdmin
	store  StoreHealth
	logger *slog.Logger
}

func NewCrawlerAdmin(seeder Seeder, queue QueueAdmin, store StoreHealth) *CrawlerAdmin {
	return &CrawlerAdmin{
		seeder: seeder,
		queue:  queue,
		store:  store,
		logger: slog.Default().With("component", "crawler_admin"),
	}
}

func (a *CrawlerAdmin) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/crawl", a.handleCrawl)
	r.POST("/clear-queue", a.handleClearQueue)
	r.GET("/queue-size", a.handleQueueSize)
	r.GET("/health", a.handleHealth)
	return r
}

type crawlRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

func (a *CrawlerAdmin) handleCrawl(c *gin.Context) {
	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "urls is required"})
		return
	}

	seeded, err := a.seeder.Seed(c.Request.Context(), req.URLs)
	if err != nil {
		a.logger.Error("Seeding failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": seeded, "submitted": len(req.URLs)})
}

func (a *CrawlerAdmin) handleClearQueue(c *gin.Context) {
	if err := a.queue.ClearQueue(c.Request.Context()); err != nil {
		a.logger.Error("Clearing queue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (a *CrawlerAdmin) handleQueueSize(c *gin.Context) {
	size, err := a.queue.QueueSize(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue_size": size})
}

func (a *CrawlerAdmin) handleHealth(c *gin.Context) {
	ledgerErr := a.queue.Ping(c.Request.Context())
	storeUp := a.store.Heartbeat(c.Request.Context())

	status := http.StatusOK
	body := gin.H{
		"ledger":       "up",
		"vector_store": "up",
	}
	if ledgerErr != nil {
		body["ledger"] = "down"
		status = http.StatusServiceUnavailable
	}
	if !storeUp {
		body["vector_store"] = "down"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

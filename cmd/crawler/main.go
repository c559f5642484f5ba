// crawler server: runs the background crawl pipeline against the shared
// ledger and vector store, with an admin API for seeding and health.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh/agentmesh/pkg/api"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/crawler"
	"github.com/agentmesh/agentmesh/pkg/ledger"
	"github.com/agentmesh/agentmesh/pkg/llm"
	"github.com/agentmesh/agentmesh/pkg/perceptor"
	"github.com/agentmesh/agentmesh/pkg/vectorstore"
	"github.com/agentmesh/agentmesh/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config-dir",
		config.Getenv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	adminPort := config.Getenv("CRAWLER_ADMIN_PORT", "8090")

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// A dead ledger at startup is fatal; the pipeline is useless without it.
	led, err := ledger.New(ctx, ledger.ConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()
	crawlLedger := crawler.NewCrawlingLedger(led)

	llmClient := llm.New(cfg.Endpoints.LLMBaseURL, cfg.Models)
	store := vectorstore.New(cfg.Endpoints.ChromaURL,
		llm.SemanticsEmbedder{Client: llmClient}, cfg.Endpoints.ChromaBatchSize)
	renderer := perceptor.New(cfg.Endpoints.PerceptorURL)

	namespaces := vectorstore.NamespaceBuilder{Tenant: cfg.Tenant, Version: cfg.NamespaceVersion}
	collection := namespaces.CrawlerCollection()
	if _, err := store.EnsureCollection(ctx, collection); err != nil {
		slog.Error("Failed to ensure crawler collection", "collection", collection, "error", err)
		os.Exit(1)
	}

	pipeline := crawler.New(cfg.Crawler, crawlLedger, renderer, store, collection)
	pipeline.Start(ctx)
	slog.Info("Crawl pipeline started",
		"version", version.Full(),
		"workers", cfg.Crawler.Workers,
		"collection", collection)

	admin := api.NewCrawlerAdmin(pipeline, crawlLedger, store)
	adminHTTP := &http.Server{Addr: ":" + adminPort, Handler: admin.Router()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Crawler admin listening", "addr", adminHTTP.Addr)
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("Admin API shutdown error", "error", err)
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		slog.Warn("Pipeline drain incomplete, in-flight URLs will be retried later", "error", err)
	}
	slog.Info("Shutdown complete")
}

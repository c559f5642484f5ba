// agentmesh orchestration server: hosts the conductor, the typed workers,
// the gateway, and the user-facing chat API in one process.
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

	"github.com/agentmesh/agentmesh/pkg/agents"
	"github.com/agentmesh/agentmesh/pkg/api"
	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/conductor"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/gateway"
	"github.com/agentmesh/agentmesh/pkg/llm"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
	"github.com/agentmesh/agentmesh/pkg/perceptor"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/search"
	"github.com/agentmesh/agentmesh/pkg/vectorstore"
	"github.com/agentmesh/agentmesh/pkg/version"
)

const shutdownTimeout = 15 * time.Second

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

	httpPort := config.Getenv("HTTP_PORT", "8080")
	gatewayPort := config.Getenv("GATEWAY_PORT", "8070")

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// Shared in-process fabric.
	b := bus.New()
	reg := registry.New()
	mem := memory.New()

	// External collaborators.
	llmClient := llm.New(cfg.Endpoints.LLMBaseURL, cfg.Models)
	embedder := llm.SemanticsEmbedder{Client: llmClient}
	store := vectorstore.New(cfg.Endpoints.ChromaURL, embedder, cfg.Endpoints.ChromaBatchSize)
	renderer := perceptor.New(cfg.Endpoints.PerceptorURL)
	searcher := search.New()

	namespaces := vectorstore.NamespaceBuilder{Tenant: cfg.Tenant, Version: cfg.NamespaceVersion}
	collection := namespaces.CrawlerCollection()
	if _, err := store.EnsureCollection(ctx, collection); err != nil {
		slog.Warn("Vector store unavailable at startup, retrieval may fail", "error", err)
	}

	// Orchestration core.
	orch := orchestrator.New(conductor.DefaultAddress, cfg.Endpoints.GatewayAddress, b, reg, mem)
	cond := conductor.New(b, reg, mem, orch)
	cond.Start(ctx)

	gw := gateway.New(cfg.Endpoints.GatewayAddress, conductor.DefaultAddress,
		cfg.Endpoints.ChatServerURL, b, llmClient, cfg.Prompts)
	gw.Start(ctx)

	// Workers. Scout and architect spawn a task per goal; the rest drain
	// their inbox one goal at a time.
	workers := []*agents.Worker{
		agents.NewWorker("planner-1", conductor.DefaultAddress, agents.NewPlanner(llmClient, cfg), b, false),
		agents.NewWorker("scout-1", conductor.DefaultAddress, agents.NewScout(llmClient, searcher, renderer, mem, cfg), b, true),
		agents.NewWorker("retrieve-1", conductor.DefaultAddress, agents.NewRetrieve(llmClient, store, collection, mem, cfg), b, false),
		agents.NewWorker("architect-1", conductor.DefaultAddress, agents.NewArchitect(llmClient, mem, cfg), b, true),
		agents.NewWorker("reason-1", conductor.DefaultAddress, agents.NewReason(llmClient, mem, cfg), b, false),
		agents.NewWorker("compute-1", conductor.DefaultAddress, agents.NewCompute(llmClient, mem, cfg), b, false),
	}
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			slog.Error("Failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	// HTTP front ends: the chat API for users, the submit API for other
	// services. Both feed the same in-process gateway.
	chatServer := api.NewChatServer(gw)
	chatHTTP := &http.Server{Addr: ":" + httpPort, Handler: chatServer.Router()}
	gatewayHTTP := &http.Server{Addr: ":" + gatewayPort, Handler: api.NewGatewayAPI(gw).Router()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Chat API listening", "addr", chatHTTP.Addr)
		if err := chatHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("Gateway API listening", "addr", gatewayHTTP.Addr)
		if err := gatewayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("agentmesh started", "version", version.Full(), "workers", len(workers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown order: stop intake first, then drain the pipeline.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := chatHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("Chat API shutdown error", "error", err)
	}
	if err := gatewayHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway API shutdown error", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		slog.Warn("Gateway drain incomplete", "error", err)
	}
	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			slog.Warn("Worker drain incomplete", "error", err)
		}
	}
	if err := cond.Stop(shutdownCtx); err != nil {
		slog.Warn("Conductor drain incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
}

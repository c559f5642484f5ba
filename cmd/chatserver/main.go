// chatserver is the standalone chat front end for deployments where the
// orchestration core runs in another process. Queries are forwarded to the
// gateway's submit API; results arrive on /api/result.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh/agentmesh/pkg/api"
	"github.com/agentmesh/agentmesh/pkg/config"
)

// gatewaySubmitter posts submissions to a remote gateway process.
type gatewaySubmitter struct {
	gatewayURL string
	httpClient *http.Client
}

func (g *gatewaySubmitter) Submit(ctx context.Context, text, requestID string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text, "request_id": requestID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.gatewayURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var accepted struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return accepted.RequestID, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, using existing environment")
	}

	httpPort := config.Getenv("HTTP_PORT", "8080")
	gatewayURL := config.Getenv("GATEWAY_URL", "http://localhost:8070")

	submitter := &gatewaySubmitter{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	server := api.NewChatServer(submitter)
	httpServer := &http.Server{Addr: ":" + httpPort, Handler: server.Router()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Chat server listening", "addr", httpServer.Addr, "gateway", gatewayURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

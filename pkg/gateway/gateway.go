// Package gateway bridges the chat front-end and the orchestration core:
// it queues incoming user queries toward the conductor and posts responses
// back to the chat server's result callback. Hard failures are turned into
// a graceful user-facing message through the speaker model.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Completer is the LLM surface the gateway needs for failure formatting.
type Completer interface {
	Complete(ctx context.Context, role models.AgentType, prompt string) (string, error)
}

// Gateway owns the intake queue and the response path.
type Gateway struct {
	address    string
	conductor  string
	chatURL    string
	bus        *bus.Bus
	inbox      <-chan bus.Envelope
	llm        Completer
	prompts    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	intake chan models.UserQuery

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// IntakeQueueSize bounds queries waiting to enter the conductor.
const IntakeQueueSize = 128

// New registers the gateway on the bus.
func New(address, conductorAddr, chatServerURL string, b *bus.Bus, llm Completer, prompts map[string]string) *Gateway {
	return &Gateway{
		address:    address,
		conductor:  conductorAddr,
		chatURL:    chatServerURL,
		bus:        b,
		inbox:      b.Register(address),
		llm:        llm,
		prompts:    prompts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "gateway"),
		intake:     make(chan models.UserQuery, IntakeQueueSize),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the intake drain and the response loop.
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.drainIntake(ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.drainInbox(ctx)
	}()
	g.logger.Info("Gateway started", "chat_server", g.chatURL)
}

// Stop halts both loops. Queued queries not yet forwarded are dropped.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}

// Submit accepts a query for processing and returns its request id. The
// call returns as soon as the query is queued; processing is asynchronous.
func (g *Gateway) Submit(ctx context.Context, text, requestID string) (string, error) {
	q := models.NewUserQuery(text, requestID)
	select {
	case g.intake <- q:
		return q.RequestID, nil
	case <-g.stopCh:
		return "", fmt.Errorf("gateway is shutting down")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// drainIntake forwards queued queries to the conductor one at a time,
// preserving submission order.
func (g *Gateway) drainIntake(ctx context.Context) {
	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case q := <-g.intake:
			if err := g.bus.Send(ctx, g.address, g.conductor, q); err != nil {
				g.logger.Error("Failed to forward query", "request_id", q.RequestID, "error", err)
			}
		}
	}
}

func (g *Gateway) drainInbox(ctx context.Context) {
	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case env := <-g.inbox:
			switch msg := env.Msg.(type) {
			case models.Response:
				text := msg.Content
				if msg.Type == -1 {
					text = g.speak(ctx, text)
				}
				g.deliver(ctx, msg.RequestID, text, msg.Type)
			case models.FailureNotice:
				g.deliverFailure(ctx, msg)
			default:
				g.logger.Warn("Unexpected message", "from", env.From, "type", fmt.Sprintf("%T", env.Msg))
			}
		}
	}
}

// deliver posts one result callback to the chat server.
func (g *Gateway) deliver(ctx context.Context, requestID, text string, typ int) {
	payload := map[string]any{
		"text":       text,
		"request_id": requestID,
		"type":       typ,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("Failed to encode result", "request_id", requestID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL+"/api/result", bytes.NewReader(body))
	if err != nil {
		g.logger.Error("Failed to build result request", "request_id", requestID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Error("Result delivery failed", "request_id", requestID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		g.logger.Error("Chat server rejected result", "request_id", requestID, "status", resp.StatusCode)
		return
	}
	g.logger.Info("Result delivered", "request_id", requestID, "type", typ)
}

// speak rewrites a final answer through the speaker model. Any speaker
// trouble passes the draft through untouched.
func (g *Gateway) speak(ctx context.Context, draft string) string {
	tmpl, ok := g.prompts[config.PromptSpeaker]
	if !ok || g.llm == nil {
		return draft
	}
	out, err := g.llm.Complete(ctx, models.AgentTypeSpeaker, fmt.Sprintf(tmpl, draft))
	if err != nil || out == "" {
		if err != nil {
			g.logger.Warn("Speaker formatting failed, passing draft through", "error", err)
		}
		return draft
	}
	return out
}

// deliverFailure renders a graceful apology through the speaker model and
// finalizes the request with it. A broken speaker model falls back to a
// static message; the user always hears back.
func (g *Gateway) deliverFailure(ctx context.Context, notice models.FailureNotice) {
	text := "Sorry, I could not complete that request. Please try rephrasing or narrowing it down."
	if tmpl, ok := g.prompts[config.PromptSpeakerFailure]; ok && g.llm != nil {
		out, err := g.llm.Complete(ctx, models.AgentTypeSpeaker, fmt.Sprintf(tmpl, notice.Reason))
		if err != nil {
			g.logger.Warn("Speaker formatting failed", "request_id", notice.RequestID, "error", err)
		} else if out != "" {
			text = out
		}
	}
	g.deliver(ctx, notice.RequestID, text, -1)
}

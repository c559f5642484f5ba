// Package llm provides HTTP access to the language-model service: chat
// completions and embeddings, with per-role model selection and retry.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/retry"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the chat and embeddings APIs. Each role resolves to its own
// model configuration; a single Client serves every worker in a process.
type Client struct {
	baseURL    string
	httpClient *http.Client
	models     map[models.AgentType]*config.ModelConfig
	retry      retry.Policy
	logger     *slog.Logger
}

// New creates a client for the service at baseURL. The HTTP client carries
// no global timeout; each call derives its deadline from the role's model
// configuration.
func New(baseURL string, modelCfgs map[models.AgentType]*config.ModelConfig) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		models:     modelCfgs,
		retry:      retry.DefaultPolicy(),
		logger:     slog.Default(),
	}
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) modelFor(role models.AgentType) (*config.ModelConfig, error) {
	mc, ok := c.models[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrModelNotFound, role)
	}
	return mc, nil
}

// Chat runs a chat completion under the role's model configuration and
// returns the assistant message content.
func (c *Client) Chat(ctx context.Context, role models.AgentType, messages []Message) (string, error) {
	mc, err := c.modelFor(role)
	if err != nil {
		return "", err
	}

	reqBody := chatRequest{
		Model:    mc.Model,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{Temperature: mc.Temperature, NumPredict: mc.MaxTokens},
	}

	start := time.Now()
	out, err := retry.DoValue(ctx, c.retry, func() (string, error) {
		var resp chatResponse
		if err := c.post(ctx, "/api/chat", mc.Timeout, reqBody, &resp); err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	})
	if err != nil {
		return "", fmt.Errorf("chat completion (%s): %w", role, err)
	}

	c.logger.Debug("Chat completion finished",
		"role", string(role),
		"model", mc.Model,
		"duration", time.Since(start))
	return out, nil
}

// Complete is Chat with a single user message.
func (c *Client) Complete(ctx context.Context, role models.AgentType, prompt string) (string, error) {
	return c.Chat(ctx, role, []Message{{Role: "user", Content: prompt}})
}

// Embed returns the embedding vector for a prompt under the role's model
// configuration. The role must be configured for embeddings.
func (c *Client) Embed(ctx context.Context, role models.AgentType, prompt string) ([]float64, error) {
	mc, err := c.modelFor(role)
	if err != nil {
		return nil, err
	}
	if !mc.Embeddings {
		return nil, fmt.Errorf("role %s is not configured for embeddings", role)
	}

	out, err := retry.DoValue(ctx, c.retry, func() ([]float64, error) {
		var resp embeddingsResponse
		if err := c.post(ctx, "/api/embeddings", mc.Timeout, embeddingsRequest{Model: mc.Model, Prompt: prompt}, &resp); err != nil {
			return nil, err
		}
		return resp.Embedding, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings (%s): %w", role, err)
	}
	return out, nil
}

// SemanticsEmbedder exposes the client's SEMANTICS role through the
// single-method embedder shape the vector store expects.
type SemanticsEmbedder struct {
	Client *Client
}

func (e SemanticsEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.Client.Embed(ctx, models.AgentTypeSemantics, text)
}

// post sends one JSON request with a per-call deadline and decodes the JSON
// response into out.
func (c *Client) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	if timeout <= 0 || timeout > config.MaxLLMTimeout {
		timeout = config.MaxLLMTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("LLM service returned HTTP %d for %s: %s", resp.StatusCode, path, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package perceptor is the client for the headless rendering service the
// crawler and scout fetch pages through.
package perceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RenderResult is a rendered page. The service reports render failures as a
// 200 with an empty body, so Body may be empty without err being set.
type RenderResult struct {
	URL   string   `json:"url"`
	Body  string   `json:"body"`
	Hrefs []string `json:"hrefs"`
}

// Client calls POST /render on the rendering service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a renderer client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type renderRequest struct {
	URL string `json:"url"`
	// Timeout is the render budget in seconds, enforced service-side.
	Timeout float64 `json:"timeout"`
}

// Render fetches one page. The HTTP deadline is the render timeout plus a
// 5 second buffer so the service can reply with its own timeout result
// before the transport gives up.
func (c *Client) Render(ctx context.Context, url string, timeout time.Duration) (*RenderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	body, err := json.Marshal(renderRequest{URL: url, Timeout: timeout.Seconds()})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer returned HTTP %d for %s: %s", resp.StatusCode, url, snippet)
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode render response: %w", err)
	}
	return &result, nil
}

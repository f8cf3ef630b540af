// Package reasonerclient implements collab.Reasoner over HTTP against the
// external LLM-backed decision API. Request construction and retry
// handling follow pkg/llms/anthropic.go's makeRequest, reusing
// pkg/httpclient's retrying Client instead of a bare http.Client.
package reasonerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ghostframe/orchestrator/internal/collab"
	"github.com/ghostframe/orchestrator/pkg/httpclient"
)

// Client calls the Reasoner's decision endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *httpclient.Client
}

// New builds a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: httpclient.New(
			httpclient.WithMaxRetries(3),
		),
	}
}

type decideRequest struct {
	Prompt     string `json:"prompt"`
	Complexity string `json:"complexity"`
}

type decideResponse struct {
	Decision string `json:"decision"`
}

// Decide implements collab.Reasoner.
func (c *Client) Decide(ctx context.Context, prompt string, tier collab.ComplexityTier) (string, error) {
	body, err := json.Marshal(decideRequest{Prompt: prompt, Complexity: string(tier)})
	if err != nil {
		return "", fmt.Errorf("marshal decide request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decide", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build decide request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoner request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoner returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded decideResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode reasoner response: %w", err)
	}
	return decoded.Decision, nil
}

// Ping satisfies preflight.ReasonerPinger: a lightweight reachability
// check against the Reasoner's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reasoner unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoner health check returned status %d", resp.StatusCode)
	}
	return nil
}

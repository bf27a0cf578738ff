package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// Endpoint is the base URL of the publishing relay for one platform.
	// Post sends to <Endpoint>/post and Reply to <Endpoint>/reply.
	Endpoint string
	Token    string
	// HTTP defaults to a client with a 30s timeout.
	HTTP *http.Client
}

// HTTPClient publishes through a JSON relay that holds the platform
// credentials. It speaks {"text", "parent_id"} in and a Result out.
type HTTPClient struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewHTTPClient returns a client for cfg.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     hc,
	}
}

// IsConfigured reports whether an endpoint and token are present.
func (c *HTTPClient) IsConfigured() bool {
	return c.endpoint != "" && c.token != ""
}

// Post publishes a new post.
func (c *HTTPClient) Post(ctx context.Context, text string) (Result, error) {
	return c.call(ctx, "/post", relayRequest{Text: text})
}

// Reply publishes text as a reply to parentID.
func (c *HTTPClient) Reply(ctx context.Context, text, parentID string) (Result, error) {
	return c.call(ctx, "/reply", relayRequest{Text: text, ParentID: parentID})
}

type relayRequest struct {
	Text     string `json:"text"`
	ParentID string `json:"parent_id,omitempty"`
}

func (c *HTTPClient) call(ctx context.Context, path string, body relayRequest) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Sprintf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}, nil
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

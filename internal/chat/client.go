package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"canvascraft/internal/domain"
)

// StreamOpener opens one streaming round-trip against the gateway.
type StreamOpener interface {
	OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

// GatewayClient talks to the chat gateway over HTTP.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL,
// authenticating with the given bearer token. No client-side timeout is
// set: the stream is long-lived and cancellation flows through ctx.
func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// OpenStream POSTs the request and returns the live SSE body. Non-200
// responses are read, closed, and surfaced as an error carrying the
// gateway's message.
func (c *GatewayClient) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ge struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &ge) == nil && ge.Error != "" {
			return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, ge.Error)
		}
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(raw))
	}
	return resp.Body, nil
}

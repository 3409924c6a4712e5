// Package upstream issues single streaming attempts against the provider's
// chat-completions endpoint and classifies their outcomes.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"canvascraft/internal/domain"
	"canvascraft/internal/infra/config"
)

// maxErrorBody bounds how much of a non-2xx body is read for classification.
const maxErrorBody = 4096

// Streamer is the contract the gateway's retry loop depends on: one
// streaming attempt with one credential, outcome classified into domain
// sentinels via the returned error.
type Streamer interface {
	Stream(ctx context.Context, body []byte, secret string) (*http.Response, error)
}

// StatusError carries the upstream HTTP status so the gateway can propagate
// it for non-retryable failures. It wraps the classifying sentinel.
type StatusError struct {
	Code     int
	Body     string
	sentinel error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.sentinel }

// Client performs streaming POSTs to the provider.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an upstream client. The HTTP client carries cfg.Timeout as a
// whole-request deadline; zero means no deadline, which is the normal
// setting for long-lived streams.
func New(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Stream POSTs body to the chat-completions endpoint with the given key.
// On 2xx the live response is returned and the caller owns Body. Non-2xx
// responses are drained (bounded), closed, and mapped to a classified
// *StatusError.
func (c *Client) Stream(ctx context.Context, body []byte, secret string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(resp.StatusCode, string(errBody))
	}
	return resp, nil
}

// classifyStatus maps an upstream HTTP status to the retry taxonomy:
// 401/402/403 are fatal for the credential, 429 is retryable, everything
// else aborts the retry loop.
func classifyStatus(code int, body string) *StatusError {
	e := &StatusError{Code: code, Body: body}
	switch code {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		e.sentinel = domain.ErrAuthInvalid
	case http.StatusTooManyRequests:
		e.sentinel = domain.ErrRateLimit
	default:
		e.sentinel = domain.ErrUpstream
	}
	return e
}

package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"canvascraft/internal/domain"
	"canvascraft/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Compile-time interface assertion.
var _ Streamer = (*BreakerClient)(nil)

// BreakerClient wraps a Streamer with a circuit breaker so that a dead
// upstream fails fast instead of burning the whole retry budget per
// request. Per-key outcomes (auth, rate limit) do not count as failures:
// they say something about the credential, not about the provider being up.
type BreakerClient struct {
	inner   Streamer
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewBreaker wraps inner with a circuit breaker configured from cfg.
// Zero-valued fields get defaults.
func NewBreaker(inner Streamer, cfg config.BreakerConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Credential-scoped outcomes do not indicate an unhealthy
			// upstream; transport errors and 5xx-class statuses do.
			return errors.Is(err, domain.ErrAuthInvalid) || errors.Is(err, domain.ErrRateLimit)
		},
	})

	return &BreakerClient{inner: inner, breaker: cb}
}

// Stream implements Streamer through the breaker.
func (b *BreakerClient) Stream(ctx context.Context, body []byte, secret string) (*http.Response, error) {
	return b.breaker.Execute(func() (*http.Response, error) {
		return b.inner.Stream(ctx, body, secret)
	})
}

// Package gateway is the server-side AI chat proxy: it authenticates
// clients, drives retry attempts across the credential pool, and relays the
// winning upstream SSE stream back unmodified while logging a transcript.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"canvascraft/internal/infra/config"
	"canvascraft/internal/infra/middleware"
	"canvascraft/internal/upstream"
)

// Server is the inbound HTTP server.
type Server struct {
	pool        CredentialSource
	upstream    upstream.Streamer
	transcripts TranscriptLogger
	auth        Authenticator
	logger      *slog.Logger

	addr       string
	maxRetries int
	rateLimit  config.RateLimitConfig

	httpSrv   *http.Server
	boundAddr string
	startTime time.Time
}

// Deps holds the collaborators a Server needs.
type Deps struct {
	Pool        CredentialSource
	Upstream    upstream.Streamer
	Transcripts TranscriptLogger
	Auth        Authenticator
	Logger      *slog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig, maxRetries int, deps Deps) *Server {
	return &Server{
		pool:        deps.Pool,
		upstream:    deps.Upstream,
		transcripts: deps.Transcripts,
		auth:        deps.Auth,
		logger:      deps.Logger,
		addr:        cfg.Addr,
		maxRetries:  maxRetries,
		rateLimit:   cfg.RateLimit,
	}
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChat)
	mux.HandleFunc("/healthz", s.handleHealth)

	var h http.Handler = mux
	if s.rateLimit.RequestsPerMin > 0 {
		burst := s.rateLimit.Burst
		if burst <= 0 {
			burst = s.rateLimit.RequestsPerMin
		}
		h = middleware.RateLimit(s.rateLimit.RequestsPerMin, burst)(h)
	}
	return middleware.SecurityHeaders(h)
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.startTime = time.Now()
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.logger.Info("gateway started", "addr", s.boundAddr, "keys", s.pool.Len())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// healthResponse is the JSON body for GET /healthz.
type healthResponse struct {
	Status        string `json:"status"`
	Keys          int    `json:"keys"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Keys:          s.pool.Len(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"canvascraft/internal/domain"
	"canvascraft/internal/infra/tracer"
	"canvascraft/internal/keypool"
	"canvascraft/internal/upstream"
)

// CredentialSource is the slice of the key pool the retry loop needs.
type CredentialSource interface {
	Pick(exclude map[string]struct{}) (keypool.Credential, error)
	Evict(ctx context.Context, id string) error
	Len() int
}

// TranscriptLogger records one row per top-level request.
type TranscriptLogger interface {
	LogSuccess(ctx context.Context, userID, model string, messages []domain.Message, response string) error
	LogFailure(ctx context.Context, userID, model string, messages []domain.Message, code domain.ErrorCode) error
}

// errorResponse is the JSON body for non-stream failures.
type errorResponse struct {
	Error string `json:"error"`
}

var reqIDOnce = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}

func newRequestID() string {
	reqIDOnce.Lock()
	defer reqIDOnce.Unlock()
	return ulid.MustNew(ulid.Now(), reqIDOnce.entropy).String()
}

// handleChat serves POST /v1/chat/completions: authenticate, then drive the
// retry loop across the credential pool and relay the winning stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	client, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "encode upstream request: "+err.Error())
		return
	}

	reqID := newRequestID()
	log := s.logger.With("request_id", reqID, "user", client.Name, "model", req.Model)

	ctx, span := tracer.StartSpan(r.Context(), "gateway.chat",
		trace.WithAttributes(
			tracer.StringAttr("gateway.request_id", reqID),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	s.runAttempts(ctx, w, log, client, req, body)
}

// runAttempts is the retry orchestrator: up to maxRetries sequential
// attempts, each with a credential not yet tried in this call. Fatal
// outcomes evict the credential and keep going; retryable ones keep the
// credential and keep going; anything else aborts immediately.
func (s *Server) runAttempts(ctx context.Context, w http.ResponseWriter, log *slog.Logger, client *ClientInfo, req domain.ChatRequest, body []byte) {
	tried := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cred, err := s.pool.Pick(tried)
		if err != nil {
			// No untried credentials left.
			lastErr = err
			break
		}
		tried[cred.ID] = struct{}{}

		attemptCtx, attemptSpan := tracer.StartSpan(ctx, "gateway.attempt",
			trace.WithAttributes(tracer.IntAttr("gateway.attempt", attempt)),
		)
		resp, err := s.upstream.Stream(attemptCtx, body, cred.Secret)
		if err != nil {
			tracer.RecordError(attemptSpan, err)
		}
		attemptSpan.End()
		if err == nil {
			log.Info("upstream attempt succeeded", "attempt", attempt, "key_id", cred.ID)
			s.relayAndLog(ctx, w, log, client, req, resp)
			return
		}
		lastErr = err

		switch {
		case domain.IsFatalCredentialError(err):
			log.Warn("credential rejected upstream, evicting", "attempt", attempt, "key_id", cred.ID, "error", err)
			if evictErr := s.pool.Evict(ctx, cred.ID); evictErr != nil {
				log.Error("evict failed", "key_id", cred.ID, "error", evictErr)
			}
		case domain.IsRetryableError(err):
			log.Warn("upstream rate limited, retrying", "attempt", attempt, "key_id", cred.ID)
		default:
			// Not a credential problem: abort, surface the upstream status.
			log.Error("upstream attempt failed", "attempt", attempt, "error", err)
			s.failRequest(ctx, w, client, req, err, upstreamStatus(err))
			return
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrNoCredentials
	}
	log.Error("attempts exhausted", "error", lastErr)
	s.failRequest(ctx, w, client, req, lastErr, http.StatusServiceUnavailable)
}

// relayAndLog streams the upstream body through to the client and, on a
// clean end, persists the success transcript.
func (s *Server) relayAndLog(ctx context.Context, w http.ResponseWriter, log *slog.Logger, client *ClientInfo, req domain.ChatRequest, resp *http.Response) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	text, err := relay(w, resp.Body)
	if err != nil {
		// Mid-stream failure: the client saw a truncated stream; there is
		// no successful response to record.
		log.Warn("relay interrupted", "error", err)
		return
	}

	if err := s.transcripts.LogSuccess(ctx, client.Name, req.Model, req.Messages, text); err != nil {
		log.Error("transcript write failed", "error", err)
	}
}

// failRequest writes the JSON error response and records the failure
// transcript with the classified error code.
func (s *Server) failRequest(ctx context.Context, w http.ResponseWriter, client *ClientInfo, req domain.ChatRequest, err error, status int) {
	if logErr := s.transcripts.LogFailure(ctx, client.Name, req.Model, req.Messages, domain.ErrorCodeOf(err)); logErr != nil {
		s.logger.Error("transcript write failed", "error", logErr)
	}
	writeError(w, status, err.Error())
}

// upstreamStatus picks the HTTP status to propagate for an aborting error:
// the upstream's own status when known, 502 for transport failures.
func upstreamStatus(err error) int {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusBadGateway
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

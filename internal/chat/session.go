package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvascraft/internal/domain"
)

// defaultMaxTurns bounds the automatic tool-call continuation loop.
const defaultMaxTurns = 5

// ToolRunner executes completed tool calls against local editable state.
// Execute is synchronous and always returns a JSON result string, error-
// shaped when the call could not be honored.
type ToolRunner interface {
	Execute(ctx context.Context, name, args string) string
	Schemas() []domain.ToolSchema
}

// State is the turn orchestrator's current phase.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateExecutingTool
)

// ChatMessage is the UI-facing projection of a conversation entry. It is
// derived from the raw history and never fed back into it.
type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Config holds per-session settings.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTurns     int
}

// Session owns one conversation: the ordered raw history (the sole source
// of truth sent upstream on every turn), the turn state machine, and
// cancellation. Exactly one turn may stream at a time.
type Session struct {
	gw     StreamOpener
	tools  ToolRunner
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	history []domain.Message
	partial string // accumulated text of the in-flight assistant turn
	errText string // trailing error placeholder, UI-only
	cancel  context.CancelFunc
}

// NewSession creates a session. The system prompt, when set, becomes the
// first history entry and is sent upstream on every turn without ever
// appearing in the UI projection.
func NewSession(gw StreamOpener, tools ToolRunner, cfg Config, logger *slog.Logger) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	s := &Session{gw: gw, tools: tools, cfg: cfg, logger: logger}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, domain.Message{
			Role:      domain.RoleSystem,
			Content:   cfg.SystemPrompt,
			Timestamp: time.Now(),
		})
	}
	return s
}

// Send appends a user entry and drives the turn loop to completion,
// returning the final assistant text. A second Send while a turn is in
// flight is rejected with domain.ErrTurnInProgress, never interleaved.
//
// A turn ended by Stop with partial content already streamed commits that
// content as a complete turn and returns it with a nil error.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", domain.ErrTurnInProgress
	}
	s.errText = ""
	s.history = append(s.history, domain.Message{
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	turnCtx := s.beginTurnLocked(ctx)
	s.mu.Unlock()

	return s.run(turnCtx)
}

// Retry removes the trailing error placeholder and re-issues the same
// request: the raw history still ends where the failed turn began.
func (s *Session) Retry(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", domain.ErrTurnInProgress
	}
	if s.errText == "" {
		s.mu.Unlock()
		return "", fmt.Errorf("retry: no failed turn to retry")
	}
	s.errText = ""
	turnCtx := s.beginTurnLocked(ctx)
	s.mu.Unlock()

	return s.run(turnCtx)
}

// Stop cancels the in-flight turn. Calling Stop when no turn is streaming
// is a no-op and never mutates history.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.cancel == nil {
		return
	}
	s.cancel()
}

// State returns the orchestrator's current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the raw conversation history.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Messages returns the UI projection: user and assistant plain-text
// entries in original order, excluding system and tool roles, with the
// in-flight partial and any error placeholder appended.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChatMessage
	for _, m := range s.history {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
		case domain.RoleAssistant:
			if m.Content != "" {
				out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
			}
		}
	}
	if s.state != StateIdle {
		out = append(out, ChatMessage{Role: domain.RoleAssistant, Content: s.partial, Streaming: true})
	}
	if s.errText != "" {
		out = append(out, ChatMessage{Role: domain.RoleAssistant, Content: s.errText, IsError: true})
	}
	return out
}

// beginTurnLocked arms cancellation and moves to Streaming. Caller holds mu.
func (s *Session) beginTurnLocked(ctx context.Context) context.Context {
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateStreaming
	s.partial = ""
	return turnCtx
}

// run drives assistant turns, executing tool calls and continuing the
// conversation until a plain assistant message or the turn budget runs out.
func (s *Session) run(ctx context.Context) (string, error) {
	defer s.endTurn()

	for turn := 0; turn < s.cfg.MaxTurns; turn++ {
		req := domain.ChatRequest{
			Model:    s.cfg.Model,
			Messages: s.History(),
			Tools:    s.tools.Schemas(),
		}

		body, err := s.gw.OpenStream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled("")
			}
			return s.fail(err)
		}

		agg := NewAggregator()
		ch := DecodeStream(ctx, body)
		var sawToolFinish, sawDone bool
		for delta := range ch {
			agg.Add(delta)
			s.setPartial(agg.Content())

			if delta.FinishReason == domain.FinishToolCalls {
				sawToolFinish = true
				break
			}
			if delta.Done {
				sawDone = true
				break
			}
		}
		if sawToolFinish {
			// The turn is over; drain and ignore whatever remains.
			for range ch {
			}
		}

		if ctx.Err() != nil {
			return s.cancelled(agg.Content())
		}

		if sawToolFinish {
			calls, err := agg.Finalize()
			if err != nil {
				return s.fail(err)
			}
			s.append(domain.Message{
				Role:      domain.RoleAssistant,
				Content:   agg.Content(),
				ToolCalls: calls,
				Timestamp: time.Now(),
			})
			s.setState(StateExecutingTool)
			for _, call := range calls {
				if ctx.Err() != nil {
					return s.cancelled("")
				}
				result := s.tools.Execute(ctx, call.Name, string(call.Arguments))
				s.append(domain.Message{
					Role:       domain.RoleTool,
					Name:       call.Name,
					ToolCallID: call.ID,
					Content:    result,
					Timestamp:  time.Now(),
				})
			}
			s.setState(StateStreaming)
			s.setPartial("")
			continue
		}

		if !sawDone {
			// Channel closed without [DONE]: the transport gave up
			// mid-stream.
			return s.fail(fmt.Errorf("stream ended unexpectedly: network interruption"))
		}

		content := agg.Content()
		s.append(domain.Message{
			Role:      domain.RoleAssistant,
			Content:   content,
			Timestamp: time.Now(),
		})
		return content, nil
	}

	return s.fail(fmt.Errorf("conversation exceeded %d continuation turns", s.cfg.MaxTurns))
}

// cancelled finishes a stopped turn. Partial content that already streamed
// is committed to history as-is and treated as a complete turn; with
// nothing streamed the turn simply disappears.
func (s *Session) cancelled(partial string) (string, error) {
	if partial != "" {
		s.append(domain.Message{
			Role:      domain.RoleAssistant,
			Content:   partial,
			Timestamp: time.Now(),
		})
	}
	s.logger.Debug("turn cancelled", "committed_chars", len(partial))
	return partial, nil
}

// fail discards the in-progress assistant placeholder and records a
// classified, human-readable error entry in its place.
func (s *Session) fail(err error) (string, error) {
	kind, msg := classifyFailure(err)
	s.mu.Lock()
	s.partial = ""
	s.errText = msg
	s.mu.Unlock()
	s.logger.Warn("turn failed", "kind", int(kind), "error", err)
	return "", err
}

func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateIdle
	s.partial = ""
}

func (s *Session) append(m domain.Message) {
	s.mu.Lock()
	s.history = append(s.history, m)
	s.mu.Unlock()
}

func (s *Session) setPartial(text string) {
	s.mu.Lock()
	s.partial = text
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

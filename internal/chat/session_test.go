package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"canvascraft/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedOpener replays one prepared outcome per OpenStream call.
type scriptedOpener struct {
	mu    sync.Mutex
	turns []func() (io.ReadCloser, error)
	calls int
}

func (o *scriptedOpener) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls >= len(o.turns) {
		return nil, fmt.Errorf("unexpected OpenStream call %d", o.calls)
	}
	turn := o.turns[o.calls]
	o.calls++
	return turn()
}

func sseBody(parts ...string) func() (io.ReadCloser, error) {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("data: " + p + "\n\n")
	}
	s := b.String()
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func contentChunk(text string) string {
	return `{"choices":[{"delta":{"content":` + quote(text) + `}}]}`
}

func quote(s string) string {
	return `"` + s + `"`
}

// recordingRunner records executed tool calls and returns a fixed result.
type recordingRunner struct {
	mu     sync.Mutex
	names  []string
	args   []string
	result string
}

func (r *recordingRunner) Execute(_ context.Context, name, args string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.args = append(r.args, args)
	return r.result
}

func (r *recordingRunner) Schemas() []domain.ToolSchema { return nil }

func newTestSession(opener StreamOpener, runner ToolRunner, maxTurns int) *Session {
	return NewSession(opener, runner, Config{
		Model:        "gpt-test",
		SystemPrompt: "You edit web pages.",
		MaxTurns:     maxTurns,
	}, discardLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPlainTurn(t *testing.T) {
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		sseBody(contentChunk("Hello"), contentChunk(" there"), "[DONE]"),
	}}
	s := newTestSession(opener, &recordingRunner{}, 0)

	got, err := s.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != "Hello there" {
		t.Fatalf("response = %q", got)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %d, want idle", s.State())
	}

	// Raw history: system, user, assistant.
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].Role != domain.RoleSystem || h[1].Role != domain.RoleUser || h[2].Role != domain.RoleAssistant {
		t.Fatalf("roles = %q, %q, %q", h[0].Role, h[1].Role, h[2].Role)
	}

	// UI projection excludes the system prompt.
	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("projected messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Content != "Hello there" {
		t.Fatalf("projection = %+v", msgs)
	}
}

func TestToolCallContinuation(t *testing.T) {
	toolTurn := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"set_html","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"code\":\"<p>hi</p>\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		toolTurn,
		sseBody(contentChunk("Done, the page is updated."), "[DONE]"),
	}}
	runner := &recordingRunner{result: `{"status":"ok"}`}
	s := newTestSession(opener, runner, 0)

	got, err := s.Send(context.Background(), "make the page say hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != "Done, the page is updated." {
		t.Fatalf("response = %q", got)
	}
	if len(runner.names) != 1 || runner.names[0] != "set_html" {
		t.Fatalf("executed tools = %v", runner.names)
	}
	if runner.args[0] != `{"code":"<p>hi</p>"}` {
		t.Fatalf("tool args = %q", runner.args[0])
	}

	// Raw history carries the full protocol round-trip:
	// system, user, assistant(tool_calls), tool, assistant.
	h := s.History()
	if len(h) != 5 {
		t.Fatalf("history length = %d, want 5: %+v", len(h), h)
	}
	if len(h[2].ToolCalls) != 1 || h[2].ToolCalls[0].ID != "call_1" {
		t.Fatalf("assistant tool calls = %+v", h[2].ToolCalls)
	}
	if h[3].Role != domain.RoleTool || h[3].ToolCallID != "call_1" || h[3].Content != `{"status":"ok"}` {
		t.Fatalf("tool message = %+v", h[3])
	}

	// The tool round-trip stays out of the UI projection.
	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("projected messages = %d, want 2: %+v", len(msgs), msgs)
	}
}

func TestStopCommitsPartialContent(t *testing.T) {
	pr, pw := io.Pipe()
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return pr, nil },
	}}
	s := newTestSession(opener, &recordingRunner{}, 0)

	done := make(chan struct{})
	var got string
	var sendErr error
	go func() {
		defer close(done)
		got, sendErr = s.Send(context.Background(), "write a long story")
	}()

	pw.Write([]byte("data: " + contentChunk("Once upon a time") + "\n\n"))
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Streaming && msgs[len(msgs)-1].Content != ""
	})

	s.Stop()
	pw.Close()
	<-done

	if sendErr != nil {
		t.Fatalf("send: %v", sendErr)
	}
	if got != "Once upon a time" {
		t.Fatalf("committed partial = %q", got)
	}
	h := s.History()
	last := h[len(h)-1]
	if last.Role != domain.RoleAssistant || last.Content != "Once upon a time" {
		t.Fatalf("last history entry = %+v", last)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %d, want idle", s.State())
	}
}

func TestSecondSendWhileStreamingRejected(t *testing.T) {
	pr, pw := io.Pipe()
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return pr, nil },
	}}
	s := newTestSession(opener, &recordingRunner{}, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Send(context.Background(), "first")
	}()
	waitFor(t, func() bool { return s.State() == StateStreaming })

	if _, err := s.Send(context.Background(), "second"); !errors.Is(err, domain.ErrTurnInProgress) {
		t.Fatalf("err = %v, want ErrTurnInProgress", err)
	}

	s.Stop()
	pw.Close()
	<-done

	// The rejected Send must not have touched history.
	for _, m := range s.History() {
		if m.Content == "second" {
			t.Fatal("rejected Send leaked into history")
		}
	}
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	s := newTestSession(&scriptedOpener{}, &recordingRunner{}, 0)
	before := len(s.History())
	s.Stop()
	if len(s.History()) != before {
		t.Fatal("Stop on idle session mutated history")
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %d, want idle", s.State())
	}
}

func TestFailureThenRetry(t *testing.T) {
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) {
			return nil, fmt.Errorf("gateway status 503: no upstream credentials available")
		},
		sseBody(contentChunk("Recovered."), "[DONE]"),
	}}
	s := newTestSession(opener, &recordingRunner{}, 0)

	if _, err := s.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected send to fail")
	}

	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if !last.IsError || last.Content == "" {
		t.Fatalf("expected trailing error placeholder, got %+v", last)
	}
	// The failed turn must not be in raw history.
	h := s.History()
	if h[len(h)-1].Role != domain.RoleUser {
		t.Fatalf("history ends with %q, want the user entry", h[len(h)-1].Role)
	}

	got, err := s.Retry(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got != "Recovered." {
		t.Fatalf("retry response = %q", got)
	}
	msgs = s.Messages()
	for _, m := range msgs {
		if m.IsError {
			t.Fatal("error placeholder survived a successful retry")
		}
	}
}

func TestRetryWithoutFailureRejected(t *testing.T) {
	s := newTestSession(&scriptedOpener{}, &recordingRunner{}, 0)
	if _, err := s.Retry(context.Background()); err == nil {
		t.Fatal("Retry with no failed turn must error")
	}
}

func TestTruncatedStreamFailsTurn(t *testing.T) {
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){
		sseBody(contentChunk("par")), // no [DONE]
	}}
	s := newTestSession(opener, &recordingRunner{}, 0)

	if _, err := s.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected truncation to fail the turn")
	}
	msgs := s.Messages()
	if !msgs[len(msgs)-1].IsError {
		t.Fatalf("expected error placeholder, got %+v", msgs[len(msgs)-1])
	}
}

func TestContinuationBudgetEnforced(t *testing.T) {
	toolTurn := func() (io.ReadCloser, error) {
		stream := "data: " + `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"set_css","arguments":"{\"code\":\"\"}"}}]}}]}` + "\n\n" +
			"data: " + `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
			"data: [DONE]\n\n"
		return io.NopCloser(strings.NewReader(stream)), nil
	}
	opener := &scriptedOpener{turns: []func() (io.ReadCloser, error){toolTurn, toolTurn}}
	runner := &recordingRunner{result: `{"status":"ok"}`}
	s := newTestSession(opener, runner, 2)

	_, err := s.Send(context.Background(), "loop forever")
	if err == nil {
		t.Fatal("expected turn budget error")
	}
	if len(runner.names) != 2 {
		t.Fatalf("executed %d tool calls, want 2", len(runner.names))
	}
}

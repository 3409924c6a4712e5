// Package chat is the client side of the gateway: it decodes the SSE
// stream, reassembles fragmented tool calls, executes them against local
// editable state, and drives the multi-turn conversation loop.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"canvascraft/internal/domain"
)

// DecodeStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta. The returned channel is closed when the
// stream ends, the body is closed, or ctx is cancelled. The stream is
// finite and not restartable; a new request must be issued to retry.
func DecodeStream(ctx context.Context, body io.ReadCloser) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// End-of-stream sentinel, distinct from a finish_reason.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- domain.StreamDelta{Done: true}
				return
			}

			delta, err := parseChunk(data)
			if err != nil || delta == nil {
				// Skip unparseable or shapeless lines.
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}
		// An I/O error mid-stream still terminates the channel; the
		// consumer sees a stream that ended without [DONE].
	}()
	return ch
}

// Wire shapes for one provider chunk.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []wireToolDelta `json:"tool_calls,omitempty"`
}

type wireToolDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// parseChunk converts one decoded data payload into a StreamDelta.
// Chunks without the choices[0].delta shape yield nil.
func parseChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	c := chunk.Choices[0]
	delta := &domain.StreamDelta{Content: c.Delta.Content}
	for _, tc := range c.Delta.ToolCalls {
		delta.ToolCalls = append(delta.ToolCalls, domain.ToolCallFragment{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if c.FinishReason != nil && *c.FinishReason != "" {
		delta.FinishReason = *c.FinishReason
	}
	return delta, nil
}

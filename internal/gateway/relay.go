package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// relayBufSize is the chunk size for the pass-through copy loop.
const relayBufSize = 4096

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// relayChunk mirrors the slice of an upstream SSE payload the transcript
// scanner cares about: choices[0].delta.content.
type relayChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// relay copies the upstream body to w unmodified, flushing per chunk so
// time-to-first-byte is unaffected, while scanning completed lines on the
// side for assistant text deltas. It returns the accumulated text and the
// first copy error, if any. It never buffers the response as a whole.
func relay(w http.ResponseWriter, body io.Reader) (string, error) {
	flusher, _ := w.(http.Flusher)

	var (
		text    strings.Builder
		lineBuf bytes.Buffer
		buf     = make([]byte, relayBufSize)
	)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return text.String(), err
			}
			if flusher != nil {
				flusher.Flush()
			}

			lineBuf.Write(buf[:n])
			for {
				line, ok := nextLine(&lineBuf)
				if !ok {
					break
				}
				scanLine(line, &text)
			}
		}
		if readErr == io.EOF {
			scanLine(lineBuf.Bytes(), &text)
			return text.String(), nil
		}
		if readErr != nil {
			return text.String(), readErr
		}
	}
}

// nextLine pops one complete line from buf, or reports none is available.
func nextLine(buf *bytes.Buffer) ([]byte, bool) {
	idx := bytes.IndexByte(buf.Bytes(), '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx+1)
	buf.Read(line)
	return bytes.TrimRight(line, "\r\n"), true
}

// scanLine extracts the content delta from one SSE line, if present.
// Malformed lines are swallowed: the relay must never abort on them.
func scanLine(line []byte, text *strings.Builder) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	payload := bytes.TrimPrefix(line, dataPrefix)
	if bytes.Equal(payload, doneSentinel) {
		return
	}
	var chunk relayChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}
	if len(chunk.Choices) > 0 {
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
}

package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"canvascraft/internal/domain"
)

// maxPendingCalls bounds the number of tool-call slots the aggregator will
// allocate; fragments with indices beyond it are dropped.
const maxPendingCalls = 50

// pendingCall accumulates one tool call while its fragments stream in.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Aggregator merges streamed deltas into coherent message state. Text
// deltas append in arrival order; tool-call fragments accumulate into
// slots keyed by stream index. A fragment carrying a function name opens
// (or fills) its slot; argument chunks are appended verbatim, since the
// arguments are a streamed JSON string that is only valid once complete.
type Aggregator struct {
	content strings.Builder
	calls   []*pendingCall
}

// NewAggregator returns an empty aggregator for one streaming turn.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add merges a single delta. Must be called in arrival order.
func (a *Aggregator) Add(delta domain.StreamDelta) {
	a.content.WriteString(delta.Content)

	for _, frag := range delta.ToolCalls {
		idx := frag.Index
		if idx < 0 || idx >= maxPendingCalls {
			continue
		}
		for len(a.calls) <= idx {
			a.calls = append(a.calls, &pendingCall{})
		}
		call := a.calls[idx]
		if frag.ID != "" && call.id == "" {
			call.id = frag.ID
		}
		if frag.Name != "" {
			call.name += frag.Name
		}
		if frag.Arguments != "" {
			call.args.WriteString(frag.Arguments)
		}
	}
}

// Content returns the accumulated assistant text.
func (a *Aggregator) Content() string { return a.content.String() }

// HasToolCalls reports whether any tool call started streaming.
func (a *Aggregator) HasToolCalls() bool { return len(a.calls) > 0 }

// Finalize converts the pending calls into completed tool calls. A call
// that finished streaming without ever receiving a name violates the
// provider contract and fails the turn.
func (a *Aggregator) Finalize() ([]domain.ToolCall, error) {
	calls := make([]domain.ToolCall, 0, len(a.calls))
	for i, pc := range a.calls {
		if pc.name == "" {
			return nil, fmt.Errorf("tool call %d completed without a function name: %w", i, domain.ErrInvalidInput)
		}
		calls = append(calls, domain.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(pc.args.String()),
		})
	}
	return calls, nil
}

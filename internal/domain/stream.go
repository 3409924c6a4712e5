package domain

// FinishToolCalls is the finish reason a provider sends when the assistant
// turn ended because it emitted tool calls.
const FinishToolCalls = "tool_calls"

// ToolCallFragment is one streamed piece of a tool call. The first fragment
// for a call carries Name (and usually ID); later fragments carry argument
// text to be appended verbatim. Index routes fragments when a provider
// streams more than one call in a turn.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamDelta is a single decoded provider event. Exactly one of the three
// shapes is meaningful per event: text content, tool-call fragments, or a
// finish reason. Done marks the [DONE] end-of-stream sentinel, which is
// distinct from FinishReason.
type StreamDelta struct {
	Content      string             `json:"content,omitempty"`
	ToolCalls    []ToolCallFragment `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Done         bool               `json:"done,omitempty"`
}

package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"canvascraft/internal/domain"
)

func TestAggregatorAccumulatesContent(t *testing.T) {
	agg := NewAggregator()
	for _, chunk := range []string{"The ", "quick ", "fox"} {
		agg.Add(domain.StreamDelta{Content: chunk})
	}
	if got := agg.Content(); got != "The quick fox" {
		t.Fatalf("content = %q", got)
	}
	if agg.HasToolCalls() {
		t.Fatal("no tool calls were streamed")
	}
}

func TestAggregatorReassemblesSplitArguments(t *testing.T) {
	agg := NewAggregator()
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 0, ID: "call_1", Name: "update_metadata"},
	}})
	// Arguments arrive split mid-token, mid-string.
	for _, frag := range []string{`{"ti`, `tle":`, `"My `, `Page"}`} {
		agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
			{Index: 0, Arguments: frag},
		}})
	}

	calls, err := agg.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "update_metadata" {
		t.Fatalf("call = %+v", calls[0])
	}
	var args struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("reassembled arguments are not valid JSON: %v", err)
	}
	if args.Title != "My Page" {
		t.Fatalf("title = %q", args.Title)
	}
}

func TestAggregatorKeepsParallelCallsSeparate(t *testing.T) {
	agg := NewAggregator()
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 0, ID: "call_a", Name: "set_html", Arguments: `{"code":"<p/>"}`},
		{Index: 1, ID: "call_b", Name: "set_css", Arguments: `{"code":"p{}"}`},
	}})
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 1, Arguments: ""},
	}})

	calls, err := agg.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "set_html" || calls[1].Name != "set_css" {
		t.Fatalf("names = %q, %q", calls[0].Name, calls[1].Name)
	}
	if string(calls[1].Arguments) != `{"code":"p{}"}` {
		t.Fatalf("second call arguments = %s", calls[1].Arguments)
	}
}

func TestAggregatorFirstIDWins(t *testing.T) {
	agg := NewAggregator()
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 0, ID: "call_first", Name: "set_js"},
	}})
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 0, ID: "call_other", Arguments: "{}"},
	}})

	calls, err := agg.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if calls[0].ID != "call_first" {
		t.Fatalf("id = %q, want call_first", calls[0].ID)
	}
}

func TestAggregatorRejectsNamelessCall(t *testing.T) {
	agg := NewAggregator()
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: 0, ID: "call_1", Arguments: "{}"},
	}})

	if _, err := agg.Finalize(); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestAggregatorDropsOutOfRangeIndices(t *testing.T) {
	agg := NewAggregator()
	agg.Add(domain.StreamDelta{ToolCalls: []domain.ToolCallFragment{
		{Index: -1, Name: "bad"},
		{Index: maxPendingCalls, Name: "bad"},
	}})
	if agg.HasToolCalls() {
		t.Fatal("out-of-range fragments must not open slots")
	}
}

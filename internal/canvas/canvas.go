// Package canvas holds the locally editable page state the assistant's
// tools mutate, and the executor that maps completed tool calls onto it.
package canvas

import "sync"

// Canvas is the editable page: code bodies plus publishing metadata.
// Every successful tool execution marks it dirty (pending save).
type Canvas struct {
	mu sync.Mutex

	Title       string
	Description string
	Tags        []string
	HTML        string
	CSS         string
	JS          string

	dirty bool
}

// Dirty reports whether the canvas has unsaved changes.
func (c *Canvas) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ClearDirty marks the canvas as saved.
func (c *Canvas) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// Snapshot returns a copy of the current state.
func (c *Canvas) Snapshot() Canvas {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Canvas{
		Title:       c.Title,
		Description: c.Description,
		HTML:        c.HTML,
		CSS:         c.CSS,
		JS:          c.JS,
		dirty:       c.dirty,
	}
	out.Tags = append(out.Tags, c.Tags...)
	return out
}

func (c *Canvas) mutate(fn func(*Canvas)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	c.dirty = true
}

package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"canvascraft/internal/domain"
)

// toolDef binds one tool's schema to its mutation.
type toolDef struct {
	schema   domain.ToolSchema
	compiled *jsonschema.Schema
	apply    func(c *Canvas, args map[string]any) map[string]any
}

// Executor maps completed tool calls to mutations on a Canvas. It always
// answers with a JSON result string: success-shaped summarizing what
// changed, or error-shaped for unknown tools and bad arguments.
type Executor struct {
	canvas *Canvas
	tools  map[string]*toolDef
	order  []string
}

// NewExecutor builds the tool set over the given canvas.
func NewExecutor(c *Canvas) (*Executor, error) {
	e := &Executor{canvas: c, tools: make(map[string]*toolDef)}
	compiler := jsonschema.NewCompiler()

	for _, def := range toolDefs() {
		compiled, err := compiler.Compile(def.schema.Parameters)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", def.schema.Name, err)
		}
		def.compiled = compiled
		e.tools[def.schema.Name] = def
		e.order = append(e.order, def.schema.Name)
	}
	return e, nil
}

// Schemas returns the tool declarations for the request payload, in a
// stable order.
func (e *Executor) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].schema)
	}
	return out
}

// Execute runs one tool call. It never returns an error or panics: every
// failure mode is expressed as an error-shaped JSON result so the model
// can read it on the next turn.
func (e *Executor) Execute(_ context.Context, name, args string) string {
	def, ok := e.tools[name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	if result := def.compiled.Validate(parsed); !result.IsValid() {
		return errorResult(fmt.Sprintf("arguments for %s failed validation: %s", name, result.Error()))
	}

	var summary map[string]any
	e.canvas.mutate(func(c *Canvas) {
		summary = def.apply(c, parsed)
	})
	summary["status"] = "ok"

	raw, err := json.Marshal(summary)
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return string(raw)
}

func errorResult(msg string) string {
	raw, _ := json.Marshal(map[string]any{"status": "error", "error": msg})
	return string(raw)
}

// codeSummary reports what a code edit changed.
func codeSummary(field, content string) map[string]any {
	return map[string]any{
		"fields": []string{field},
		"chars":  len(content),
		"lines":  strings.Count(content, "\n") + 1,
	}
}

func codeParams(field string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"%s": {"type": "string", "description": "Full replacement body"}
		},
		"required": ["%s"],
		"additionalProperties": false
	}`, field, field))
}

func toolDefs() []*toolDef {
	return []*toolDef{
		{
			schema: domain.ToolSchema{
				Name:        "set_html",
				Description: "Replace the page's HTML body.",
				Parameters:  codeParams("html"),
			},
			apply: func(c *Canvas, args map[string]any) map[string]any {
				c.HTML, _ = args["html"].(string)
				return codeSummary("html", c.HTML)
			},
		},
		{
			schema: domain.ToolSchema{
				Name:        "set_css",
				Description: "Replace the page's CSS.",
				Parameters:  codeParams("css"),
			},
			apply: func(c *Canvas, args map[string]any) map[string]any {
				c.CSS, _ = args["css"].(string)
				return codeSummary("css", c.CSS)
			},
		},
		{
			schema: domain.ToolSchema{
				Name:        "set_js",
				Description: "Replace the page's JavaScript.",
				Parameters:  codeParams("js"),
			},
			apply: func(c *Canvas, args map[string]any) map[string]any {
				c.JS, _ = args["js"].(string)
				return codeSummary("js", c.JS)
			},
		},
		{
			schema: domain.ToolSchema{
				Name:        "update_metadata",
				Description: "Update the page's title, description, or tags. Omitted fields are left unchanged.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"description": {"type": "string"},
						"tags": {"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				}`),
			},
			apply: func(c *Canvas, args map[string]any) map[string]any {
				var fields []string
				if v, ok := args["title"].(string); ok {
					c.Title = v
					fields = append(fields, "title")
				}
				if v, ok := args["description"].(string); ok {
					c.Description = v
					fields = append(fields, "description")
				}
				if v, ok := args["tags"].([]any); ok {
					tags := make([]string, 0, len(v))
					for _, t := range v {
						if s, ok := t.(string); ok {
							tags = append(tags, s)
						}
					}
					c.Tags = tags
					fields = append(fields, "tags")
				}
				return map[string]any{"fields": fields}
			},
		},
	}
}

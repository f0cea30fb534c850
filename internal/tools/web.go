package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/browser"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// webSearchTool implements `web_search`. An unconfigured search
// backend returns an empty result set, not an error — the model can
// work with "nothing found".
type webSearchTool struct{ c *ctx }

func (t *webSearchTool) Name() string        { return "web_search" }
func (t *webSearchTool) Description() string { return "Search the web and return titled results." }
func (t *webSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"query":{"type":"string"},
		"limit":{"type":"integer"}
	},"required":["query"]}`)
}
func (t *webSearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if t.c.Web == nil {
		return okResult([]any{})
	}
	if p.Limit <= 0 || p.Limit > 20 {
		p.Limit = 5
	}
	results, err := t.c.Web.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return errResult(err)
	}
	return okResult(results)
}

// webFetchTool implements `web_fetch`.
type webFetchTool struct{ c *ctx }

func (t *webFetchTool) Name() string        { return "web_fetch" }
func (t *webFetchTool) Description() string { return "Fetch a URL and return its textual content." }
func (t *webFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"url":{"type":"string"}
	},"required":["url"]}`)
}
func (t *webFetchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if t.c.Web == nil {
		return errResult(models.NewError(models.KindInvalidState, "no web client configured"))
	}
	content, err := t.c.Web.Fetch(ctx, p.URL, 256*1024)
	if err != nil {
		return errResult(err)
	}
	return &agent.ToolResult{Content: content}, nil
}

// browserTool implements `browser`: a short headless-browser action
// sequence (goto/click/fill/text/title) executed in one fresh page.
type browserTool struct{ c *ctx }

func (t *browserTool) Name() string { return "browser" }
func (t *browserTool) Description() string {
	return "Drive a headless browser through an action sequence and return what the page showed."
}
func (t *browserTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"actions":{"type":"array","items":{"type":"object","properties":{
			"type":{"type":"string","enum":["goto","click","fill","text","title"]},
			"url":{"type":"string"},
			"selector":{"type":"string"},
			"value":{"type":"string"}
		},"required":["type"]}}
	},"required":["actions"]}`)
}
func (t *browserTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Actions []browser.Action `json:"actions"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if t.c.Browser == nil {
		return errResult(models.NewError(models.KindInvalidState, "no browser driver configured"))
	}
	out, err := t.c.Browser.Run(ctx, p.Actions)
	if err != nil {
		return errResult(models.Wrap(models.KindInternal, err))
	}
	return &agent.ToolResult{Content: out}, nil
}

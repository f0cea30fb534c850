package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// rememberTool implements `remember`: appends an observation to a
// named entity, creating the entity on first mention.
type rememberTool struct{ c *ctx }

func (t *rememberTool) Name() string { return "remember" }
func (t *rememberTool) Description() string {
	return "Store a fact, preference, or observation in the room's long-term memory."
}
func (t *rememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"entity":{"type":"string"},
		"entity_type":{"type":"string","enum":["fact","preference","person","project","event"]},
		"category":{"type":"string"},
		"content":{"type":"string"}
	},"required":["entity","content"]}`)
}
func (t *rememberTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Entity     string            `json:"entity"`
		EntityType models.EntityType `json:"entity_type"`
		Category   string            `json:"category"`
		Content    string            `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if p.EntityType == "" {
		p.EntityType = models.EntityFact
	}
	entity, err := t.c.Memory.Remember(ctx, t.c.RoomID, p.Entity, p.EntityType, p.Category, p.Content, "agent")
	if err != nil {
		return errResult(err)
	}
	return okResult(map[string]any{"entity_id": entity.ID, "entity": entity.Name})
}

// recallTool implements `recall`: hybrid FTS + semantic search over
// the room's observations.
type recallTool struct{ c *ctx }

func (t *recallTool) Name() string { return "recall" }
func (t *recallTool) Description() string {
	return "Search the room's long-term memory for relevant facts and observations."
}
func (t *recallTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"query":{"type":"string"},
		"limit":{"type":"integer"}
	},"required":["query"]}`)
}
func (t *recallTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	results, err := t.c.Memory.Recall(ctx, t.c.RoomID, p.Query, p.Limit)
	if err != nil {
		return errResult(err)
	}
	return okResult(results)
}

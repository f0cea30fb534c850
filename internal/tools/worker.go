package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// createWorkerTool implements `create_worker` (Queen only): adds a new
// worker configuration to the room. The new worker's loop starts on
// the room's next reconcile, not synchronously here.
type createWorkerTool struct{ c *ctx }

func (t *createWorkerTool) Name() string { return "create_worker" }
func (t *createWorkerTool) Description() string {
	return "Add a new worker to the room with its own role and system prompt."
}
func (t *createWorkerTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"name":{"type":"string"},
		"role":{"type":"string"},
		"system_prompt":{"type":"string"},
		"model":{"type":"string"},
		"cycle_gap_ms":{"type":"integer"},
		"max_turns":{"type":"integer"}
	},"required":["name","role","system_prompt"]}`)
}
func (t *createWorkerTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Name         string `json:"name"`
		Role         string `json:"role"`
		SystemPrompt string `json:"system_prompt"`
		Model        string `json:"model"`
		CycleGapMs   int64  `json:"cycle_gap_ms"`
		MaxTurns     int    `json:"max_turns"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	roomID := t.c.RoomID
	w := &models.Worker{
		RoomID:       &roomID,
		Name:         p.Name,
		Role:         p.Role,
		SystemPrompt: p.SystemPrompt,
		Model:        p.Model,
		CycleGapMs:   p.CycleGapMs,
		MaxTurns:     p.MaxTurns,
		State:        models.AgentIdle,
	}
	if err := t.c.Store.CreateWorker(ctx, w); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "worker.created", "created worker "+p.Name, map[string]any{"worker_id": w.ID, "role": p.Role})
	return okResult(w)
}

// updateWorkerTool implements `update_worker` (Queen only).
type updateWorkerTool struct{ c *ctx }

func (t *updateWorkerTool) Name() string { return "update_worker" }
func (t *updateWorkerTool) Description() string {
	return "Update a worker's role, prompt, model, or cadence overrides."
}
func (t *updateWorkerTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"worker_id":{"type":"integer"},
		"role":{"type":"string"},
		"system_prompt":{"type":"string"},
		"model":{"type":"string"},
		"cycle_gap_ms":{"type":"integer"},
		"max_turns":{"type":"integer"}
	},"required":["worker_id"]}`)
}
func (t *updateWorkerTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		WorkerID     int64   `json:"worker_id"`
		Role         *string `json:"role"`
		SystemPrompt *string `json:"system_prompt"`
		Model        *string `json:"model"`
		CycleGapMs   *int64  `json:"cycle_gap_ms"`
		MaxTurns     *int    `json:"max_turns"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	w, err := t.c.Store.GetWorker(ctx, p.WorkerID)
	if err != nil {
		return errResult(err)
	}
	if w == nil {
		return errResult(models.NewError(models.KindNotFound, "worker %d", p.WorkerID))
	}
	if w.RoomID == nil {
		return errResult(models.NewError(models.KindScope, "worker %d is global", p.WorkerID))
	}
	if err := t.c.scopeCheck(*w.RoomID); err != nil {
		return errResult(err)
	}

	if p.Role != nil {
		w.Role = *p.Role
	}
	if p.SystemPrompt != nil {
		w.SystemPrompt = *p.SystemPrompt
	}
	if p.Model != nil {
		w.Model = *p.Model
	}
	if p.CycleGapMs != nil {
		w.CycleGapMs = *p.CycleGapMs
	}
	if p.MaxTurns != nil {
		w.MaxTurns = *p.MaxTurns
	}
	if err := t.c.Store.UpdateWorker(ctx, w); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "worker.updated", "updated worker "+w.Name, map[string]any{"worker_id": w.ID})
	return okResult(w)
}

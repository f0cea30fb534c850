package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// setGoalTool implements `set_goal`: creates the room's root objective
// goal. It takes no parent; subgoals are created by `create_subgoal`.
type setGoalTool struct{ c *ctx }

func (t *setGoalTool) Name() string        { return "set_goal" }
func (t *setGoalTool) Description() string { return "Create the room's root objective goal." }
func (t *setGoalTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"description":{"type":"string"}},"required":["description"]}`)
}
func (t *setGoalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	g, err := t.c.Goals.SetObjective(ctx, t.c.RoomID, p.Description)
	if err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "goal.set", "set root objective", map[string]any{"goal_id": g.ID})
	return okResult(g)
}

// createSubgoalTool implements `create_subgoal`.
type createSubgoalTool struct{ c *ctx }

func (t *createSubgoalTool) Name() string { return "create_subgoal" }
func (t *createSubgoalTool) Description() string {
	return "Create one or more subgoals under a parent goal."
}
func (t *createSubgoalTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"parent_goal_id":{"type":"integer"},"descriptions":{"type":"array","items":{"type":"string"}}},"required":["parent_goal_id","descriptions"]}`)
}
func (t *createSubgoalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		ParentGoalID int64    `json:"parent_goal_id"`
		Descriptions []string `json:"descriptions"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	goals, err := t.c.Goals.DecomposeGoal(ctx, t.c.RoomID, p.ParentGoalID, p.Descriptions)
	if err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "goal.decompose", "created subgoals", map[string]any{"parent_goal_id": p.ParentGoalID, "count": len(goals)})
	return okResult(goals)
}

// checkGoalScope loads goalID and verifies it belongs to the acting
// worker's room before any mutation touches it.
func (c *ctx) checkGoalScope(goCtx context.Context, goalID int64) error {
	g, err := c.Store.GetGoal(goCtx, goalID)
	if err != nil {
		return err
	}
	if g == nil {
		return models.NewError(models.KindNotFound, "goal %d", goalID)
	}
	return c.scopeCheck(g.RoomID)
}

// updateProgressTool implements `update_progress`.
type updateProgressTool struct{ c *ctx }

func (t *updateProgressTool) Name() string        { return "update_progress" }
func (t *updateProgressTool) Description() string  { return "Record an observation and optional metric against a goal." }
func (t *updateProgressTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"goal_id":{"type":"integer"},"observation":{"type":"string"},"metric_value":{"type":"number"}},"required":["goal_id","observation"]}`)
}
func (t *updateProgressTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		GoalID      int64    `json:"goal_id"`
		Observation string   `json:"observation"`
		MetricValue *float64 `json:"metric_value,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if err := t.c.checkGoalScope(ctx, p.GoalID); err != nil {
		return errResult(err)
	}
	worker := t.c.WorkerID
	g, err := t.c.Goals.UpdateProgress(ctx, p.GoalID, p.Observation, p.MetricValue, &worker)
	if err != nil {
		return errResult(err)
	}
	return okResult(g)
}

// completeGoalTool implements `complete_goal`.
type completeGoalTool struct{ c *ctx }

func (t *completeGoalTool) Name() string       { return "complete_goal" }
func (t *completeGoalTool) Description() string { return "Mark a goal as completed." }
func (t *completeGoalTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"goal_id":{"type":"integer"}},"required":["goal_id"]}`)
}
func (t *completeGoalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		GoalID int64 `json:"goal_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if err := t.c.checkGoalScope(ctx, p.GoalID); err != nil {
		return errResult(err)
	}
	if err := t.c.Goals.Complete(ctx, p.GoalID); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "goal.completed", "goal completed", map[string]any{"goal_id": p.GoalID})
	return okResult(map[string]any{"goal_id": p.GoalID, "status": models.GoalCompleted})
}

// abandonGoalTool implements `abandon_goal`.
type abandonGoalTool struct{ c *ctx }

func (t *abandonGoalTool) Name() string        { return "abandon_goal" }
func (t *abandonGoalTool) Description() string { return "Mark a goal as abandoned." }
func (t *abandonGoalTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"goal_id":{"type":"integer"}},"required":["goal_id"]}`)
}
func (t *abandonGoalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		GoalID int64 `json:"goal_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if err := t.c.checkGoalScope(ctx, p.GoalID); err != nil {
		return errResult(err)
	}
	if err := t.c.Goals.Abandon(ctx, p.GoalID); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "goal.abandoned", "goal abandoned", map[string]any{"goal_id": p.GoalID})
	return okResult(map[string]any{"goal_id": p.GoalID, "status": models.GoalAbandoned})
}

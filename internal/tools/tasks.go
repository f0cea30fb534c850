package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/internal/tasks"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// scheduleTaskTool implements `schedule_task`: delegates a
// self-contained prompt to the scheduler under a cron, one-shot,
// manual, or webhook trigger.
type scheduleTaskTool struct{ c *ctx }

func (t *scheduleTaskTool) Name() string { return "schedule_task" }
func (t *scheduleTaskTool) Description() string {
	return "Delegate recurring or one-shot work to the task scheduler. The prompt must be self-contained."
}
func (t *scheduleTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"name":{"type":"string"},
		"prompt":{"type":"string"},
		"trigger_type":{"type":"string","enum":["cron","once","manual","webhook"]},
		"cron_expression":{"type":"string"},
		"scheduled_at":{"type":"string","description":"RFC3339 timestamp, required for once"},
		"max_runs":{"type":"integer"},
		"session_continuity":{"type":"boolean"},
		"timeout_minutes":{"type":"integer"},
		"max_turns":{"type":"integer"}
	},"required":["name","prompt","trigger_type"]}`)
}
func (t *scheduleTaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Name              string             `json:"name"`
		Prompt            string             `json:"prompt"`
		TriggerType       models.TriggerType `json:"trigger_type"`
		CronExpression    string             `json:"cron_expression"`
		ScheduledAt       string             `json:"scheduled_at"`
		MaxRuns           int                `json:"max_runs"`
		SessionContinuity bool               `json:"session_continuity"`
		TimeoutMinutes    int                `json:"timeout_minutes"`
		MaxTurns          int                `json:"max_turns"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}

	worker := t.c.WorkerID
	task := &models.Task{
		RoomID:            t.c.RoomID,
		WorkerID:          &worker,
		Name:              p.Name,
		Prompt:            p.Prompt,
		TriggerType:       p.TriggerType,
		Status:            models.TaskActive,
		MaxRuns:           p.MaxRuns,
		SessionContinuity: p.SessionContinuity,
		TimeoutMinutes:    p.TimeoutMinutes,
		MaxTurns:          p.MaxTurns,
	}

	switch p.TriggerType {
	case models.TriggerCron:
		if err := tasks.ValidateCron(p.CronExpression); err != nil {
			return errResult(err)
		}
		task.CronExpression = p.CronExpression
	case models.TriggerOnce:
		at, err := time.Parse(time.RFC3339, p.ScheduledAt)
		if err != nil {
			return errResult(models.NewError(models.KindInvalidInput, "scheduled_at: %v", err))
		}
		task.ScheduledAt = &at
		task.NextRunAt = &at
	case models.TriggerWebhook:
		token, err := store.NewWebhookToken()
		if err != nil {
			return errResult(models.Wrap(models.KindInternal, err))
		}
		task.WebhookToken = token
	case models.TriggerManual:
	default:
		return errResult(models.NewError(models.KindInvalidInput, "unknown trigger type %q", p.TriggerType))
	}

	if err := t.c.Store.CreateTask(ctx, task); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "task.scheduled", "scheduled task "+p.Name, map[string]any{
		"task_id": task.ID, "trigger": string(p.TriggerType),
	})
	return okResult(task)
}

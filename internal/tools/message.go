package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// sendMessageTool implements `send_message`: drops a message into a
// named worker's mailbox (nudging its loop awake) or, addressed to
// "keeper", into the keeper outbox for the cloud relay.
type sendMessageTool struct{ c *ctx }

func (t *sendMessageTool) Name() string { return "send_message" }
func (t *sendMessageTool) Description() string {
	return "Send a message to another worker by name, or to the keeper."
}
func (t *sendMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"to":{"type":"string","description":"worker name, or \"keeper\""},
		"body":{"type":"string"}
	},"required":["to","body"]}`)
}
func (t *sendMessageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}

	from := t.c.WorkerID
	msg := &models.Message{RoomID: t.c.RoomID, FromWorkerID: &from, Body: p.Body}

	if strings.EqualFold(p.To, "keeper") {
		if err := t.c.Store.CreateMessage(ctx, msg); err != nil {
			return errResult(err)
		}
		if t.c.Keeper != nil {
			// Best effort: a relay failure leaves the message queued
			// for the dashboard.
			_ = t.c.Keeper.NotifyKeeper(ctx, t.c.RoomID, p.Body)
		}
		t.c.recordActivity(ctx, "message.keeper", "messaged the keeper", nil)
		return okResult(map[string]any{"message_id": msg.ID, "to": "keeper"})
	}

	workers, err := t.c.Store.ListWorkersByRoom(ctx, t.c.RoomID)
	if err != nil {
		return errResult(err)
	}
	var target *models.Worker
	for _, w := range workers {
		if strings.EqualFold(w.Name, p.To) {
			target = w
			break
		}
	}
	if target == nil {
		return errResult(models.NewError(models.KindNotFound, "no worker named %q in this room", p.To))
	}

	msg.ToWorkerID = &target.ID
	if err := t.c.Store.CreateMessage(ctx, msg); err != nil {
		return errResult(err)
	}
	if t.c.Nudge != nil {
		t.c.Nudge.Wake(target.ID)
	}
	t.c.recordActivity(ctx, "message.sent", "messaged "+target.Name, map[string]any{"to_worker_id": target.ID})
	return okResult(map[string]any{"message_id": msg.ID, "to": target.Name})
}

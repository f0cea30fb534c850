package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/agentloop"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// configureRoomTool implements `configure_room` (Queen only): adjusts
// the room's quorum, cadence, concurrency, and quiet-hours settings.
// A quiet window whose ends coincide is rejected here, at configure
// time, rather than guessed at by the loop.
type configureRoomTool struct{ c *ctx }

func (t *configureRoomTool) Name() string { return "configure_room" }
func (t *configureRoomTool) Description() string {
	return "Adjust the room's configuration: quorum threshold, cycle gap, quiet hours, concurrency."
}
func (t *configureRoomTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"quorum_threshold":{"type":"string","enum":["majority","supermajority","unanimous"]},
		"cycle_gap_ms":{"type":"integer"},
		"max_turns_per_cycle":{"type":"integer"},
		"max_concurrent_tasks":{"type":"integer"},
		"quiet_from":{"type":"string","description":"HH:MM"},
		"quiet_until":{"type":"string","description":"HH:MM"},
		"autonomy_mode":{"type":"string","enum":["auto","semi"]},
		"auto_approve_low_impact":{"type":"boolean"}
	}}`)
}
func (t *configureRoomTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		QuorumThreshold      *models.QuorumThreshold `json:"quorum_threshold"`
		CycleGapMs           *int64                  `json:"cycle_gap_ms"`
		MaxTurnsPerCycle     *int                    `json:"max_turns_per_cycle"`
		MaxConcurrentTasks   *int                    `json:"max_concurrent_tasks"`
		QuietFrom            *string                 `json:"quiet_from"`
		QuietUntil           *string                 `json:"quiet_until"`
		AutonomyMode         *models.AutonomyMode    `json:"autonomy_mode"`
		AutoApproveLowImpact *bool                   `json:"auto_approve_low_impact"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}

	room, err := t.c.Store.GetRoom(ctx, t.c.RoomID)
	if err != nil {
		return errResult(err)
	}
	if room == nil {
		return errResult(models.NewError(models.KindNotFound, "room %d", t.c.RoomID))
	}

	if p.QuorumThreshold != nil {
		room.Config.QuorumThreshold = *p.QuorumThreshold
	}
	if p.CycleGapMs != nil {
		room.Config.CycleGapMs = *p.CycleGapMs
	}
	if p.MaxTurnsPerCycle != nil {
		room.Config.MaxTurnsPerCycle = *p.MaxTurnsPerCycle
	}
	if p.MaxConcurrentTasks != nil {
		room.Config.MaxConcurrentTasks = *p.MaxConcurrentTasks
	}
	if p.QuietFrom != nil {
		room.Config.QuietFrom = *p.QuietFrom
	}
	if p.QuietUntil != nil {
		room.Config.QuietUntil = *p.QuietUntil
	}
	if p.AutonomyMode != nil {
		room.Config.AutonomyMode = *p.AutonomyMode
	}
	if p.AutoApproveLowImpact != nil {
		room.Config.AutoApproveLowImpact = *p.AutoApproveLowImpact
	}

	if quiet := agentloop.QuietWindowFor(room.Config); quiet != nil {
		if err := quiet.Validate(); err != nil {
			return errResult(err)
		}
	} else if room.Config.QuietFrom != "" || room.Config.QuietUntil != "" {
		return errResult(models.NewError(models.KindInvalidInput, "quiet_from and quiet_until must both be set"))
	}

	if err := t.c.Store.UpdateRoom(ctx, room); err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "room.configured", "updated room configuration", nil)
	return okResult(room.Config)
}

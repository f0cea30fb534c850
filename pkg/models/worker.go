package models

import "time"

// AgentState is the live, in-memory status of a worker's loop, surfaced
// for observability; it is not itself part of the persisted transaction
// log the way task/decision status is.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentThinking AgentState = "thinking"
	AgentActing   AgentState = "acting"
	AgentWaiting  AgentState = "waiting"
)

// Worker is an agent configuration: a system prompt plus optional
// per-worker overrides of the room's cycle cadence. A worker with a nil
// RoomID is global and not bound to any single room's loop.
type Worker struct {
	ID           int64      `json:"id"`
	RoomID       *int64     `json:"room_id,omitempty"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	SystemPrompt string     `json:"system_prompt"`
	Model        string     `json:"model,omitempty"`
	IsDefault    bool       `json:"is_default"`
	State        AgentState `json:"state"`

	// CycleGapMs and MaxTurns override the room default when non-zero.
	CycleGapMs int64 `json:"cycle_gap_ms,omitempty"`
	MaxTurns   int   `json:"max_turns,omitempty"`

	VotesCast     int       `json:"votes_cast"`
	VotesApproved int       `json:"votes_approved"`
	CreatedAt     time.Time `json:"created_at"`
}

// EffectiveCycleGap returns the worker's override if set, else the room
// default, clamped to a 1s floor per the agent loop contract.
func (w *Worker) EffectiveCycleGap(roomDefaultMs int64) time.Duration {
	ms := roomDefaultMs
	if w.CycleGapMs > 0 {
		ms = w.CycleGapMs
	}
	if ms < 1000 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// EffectiveMaxTurns returns the worker's override if set, else the room
// default.
func (w *Worker) EffectiveMaxTurns(roomDefault int) int {
	if w.MaxTurns > 0 {
		return w.MaxTurns
	}
	return roomDefault
}

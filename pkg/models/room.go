package models

import "time"

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomPaused  RoomStatus = "paused"
	RoomStopped RoomStatus = "stopped"
)

// Visibility controls whether a room is discoverable via CloudClient's
// public registry.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// QuorumThreshold names the fraction of eligible votes required to
// approve a decision. See the quorum package for the tally math.
type QuorumThreshold string

const (
	ThresholdMajority      QuorumThreshold = "majority"
	ThresholdSupermajority QuorumThreshold = "supermajority"
	ThresholdUnanimous     QuorumThreshold = "unanimous"
)

// AutonomyMode controls whether low-impact decisions can auto-approve.
type AutonomyMode string

const (
	AutonomyAuto AutonomyMode = "auto"
	AutonomySemi AutonomyMode = "semi"
)

// TieBreakPolicy names how an evenly split vote is resolved.
type TieBreakPolicy string

const (
	TieBreakExpire       TieBreakPolicy = "expire"
	TieBreakQueenTiebreak TieBreakPolicy = "queen_tiebreak"
)

// RoomConfig holds the room-wide defaults every worker and the scheduler
// fall back to absent a per-worker or per-task override.
type RoomConfig struct {
	QuorumThreshold      QuorumThreshold `json:"quorum_threshold"`
	VoteTimeout          time.Duration   `json:"vote_timeout"`
	CycleGapMs           int64           `json:"cycle_gap_ms"`
	MaxTurnsPerCycle     int             `json:"max_turns_per_cycle"`
	MaxConcurrentTasks   int             `json:"max_concurrent_tasks"`
	QuietFrom            string          `json:"quiet_from"` // "HH:MM"
	QuietUntil           string          `json:"quiet_until"`
	AutonomyMode         AutonomyMode    `json:"autonomy_mode"`
	AutoApproveLowImpact bool            `json:"auto_approve_low_impact"`
	TieBreak             TieBreakPolicy  `json:"tie_break"`
	MinVoters            int             `json:"min_voters,omitempty"`
}

// Room is a long-lived collective of agents pursuing one objective.
type Room struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Objective    string     `json:"objective"`
	Status       RoomStatus `json:"status"`
	Visibility   Visibility `json:"visibility"`
	QueenID      int64      `json:"queen_id"`
	Config       RoomConfig `json:"config"`
	WebhookToken string     `json:"webhook_token"`
	ReferrerCode string     `json:"referrer_code,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

package models

import "time"

// GoalStatus is the lifecycle state of a goal-tree node.
type GoalStatus string

const (
	GoalActive      GoalStatus = "active"
	GoalInProgress  GoalStatus = "in_progress"
	GoalCompleted   GoalStatus = "completed"
	GoalAbandoned   GoalStatus = "abandoned"
)

// Goal is a node in the forest rooted at a room's objective. Interior
// nodes (those with children) derive Progress as the mean of their
// non-abandoned children; leaves accept an explicit Progress.
type Goal struct {
	ID           int64      `json:"id"`
	RoomID       int64      `json:"room_id"`
	ParentGoalID *int64     `json:"parent_goal_id,omitempty"`
	Description  string     `json:"description"`
	Status       GoalStatus `json:"status"`
	Progress     float64    `json:"progress"`
	WorkerID     *int64     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GoalUpdate is an append-only observation against a goal.
type GoalUpdate struct {
	ID          int64     `json:"id"`
	GoalID      int64     `json:"goal_id"`
	Observation string    `json:"observation"`
	MetricValue *float64  `json:"metric_value,omitempty"` // normalized to [0,1]
	WorkerID    *int64    `json:"worker_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NormalizeMetric converts a raw metric value into the [0,1] range a
// goal's Progress is stored in. Values greater than 1 are treated as a
// percentage (50 -> 0.5); values already within [0,1] pass through.
func NormalizeMetric(raw float64) float64 {
	if raw > 1 {
		return raw / 100
	}
	return raw
}

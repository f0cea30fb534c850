package models

import "time"

// WatchStatus is the lifecycle of a filesystem watch.
type WatchStatus string

const (
	WatchActive WatchStatus = "active"
	WatchPaused WatchStatus = "paused"
)

// Watch binds a filesystem path to a synthetic task that fires on
// debounced change events.
type Watch struct {
	ID            int64       `json:"id"`
	RoomID        int64       `json:"room_id"`
	Path          string      `json:"path"`
	ActionPrompt  string      `json:"action_prompt"`
	Description   string      `json:"description,omitempty"`
	Status        WatchStatus `json:"status"`
	TriggerCount  int         `json:"trigger_count"`
	LastTriggered *time.Time  `json:"last_triggered,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

package models

import "time"

// ActivityEvent is one row of a room's append-only audit trail — the
// persisted "Activity event" entity, distinct from process logs.
type ActivityEvent struct {
	ID        int64          `json:"id"`
	RoomID    int64          `json:"room_id"`
	EventType string         `json:"event_type"`
	Summary   string         `json:"summary"`
	WorkerID  *int64         `json:"worker_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

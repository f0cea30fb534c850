package models

import "time"

// Message is one entry in a room's internal mailbox: worker-to-worker
// coordination, a keeper note delivered from outside, or a webhook
// "wake" payload addressed to the Queen. ToWorkerID nil means the
// message is addressed to the keeper and will be relayed outbound by
// the CloudClient rather than read by a loop.
type Message struct {
	ID           int64      `json:"id"`
	RoomID       int64      `json:"room_id"`
	FromWorkerID *int64     `json:"from_worker_id,omitempty"`
	ToWorkerID   *int64     `json:"to_worker_id,omitempty"`
	Body         string     `json:"body"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

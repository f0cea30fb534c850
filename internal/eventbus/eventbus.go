// Package eventbus is the in-process publish/subscribe fabric that lets
// the dashboard and other observers react to state transitions (goal
// progress, quorum resolutions, task runs) without polling the Store.
package eventbus

import (
	"sync"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Bus fans a room's activity events out to every live subscriber. It
// never blocks a publisher on a slow subscriber: each subscriber gets a
// small buffered channel, and a publish that would block on a full
// channel drops the event for that subscriber rather than stalling the
// Agent Loop that produced it.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]map[chan *models.ActivityEvent]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]map[chan *models.ActivityEvent]struct{})}
}

// Subscribe returns a channel that receives every event published for
// roomID until unsubscribe is called. The caller must call unsubscribe
// to release the channel, typically via defer.
func (b *Bus) Subscribe(roomID int64) (ch <-chan *models.ActivityEvent, unsubscribe func()) {
	c := make(chan *models.ActivityEvent, 32)
	b.mu.Lock()
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[chan *models.ActivityEvent]struct{})
	}
	b.subs[roomID][c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[roomID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(b.subs, roomID)
			}
		}
		close(c)
	}
}

// Publish fans e out to every subscriber of e.RoomID.
func (b *Bus) Publish(e *models.ActivityEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.subs[e.RoomID] {
		select {
		case c <- e:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached
// to roomID, for diagnostics.
func (b *Bus) SubscriberCount(roomID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[roomID])
}

package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// RoomIndex adapts a Manager's string-keyed vector search onto the
// room-scoped, int64-entity-ID SemanticSearcher that Recall consumes.
// Entities live in Store as integers; Manager's backend is generic and
// string-keyed, so RoomIndex round-trips the entity ID through a
// synthetic key instead of changing either side's natural shape.
type RoomIndex struct {
	mgr *Manager
}

// NewRoomIndex wraps mgr. mgr may be nil, in which case the returned
// RoomIndex behaves as an absent semantic backend (Search returns nil,
// IndexEntity is a no-op) so callers can wire it unconditionally.
func NewRoomIndex(mgr *Manager) *RoomIndex {
	return &RoomIndex{mgr: mgr}
}

// IndexEntity upserts the entity's most recent observation text into
// the semantic backend under a key Search can map back to EntityID.
func (r *RoomIndex) IndexEntity(ctx context.Context, roomID int64, entity *models.Entity, content string) error {
	if r == nil || r.mgr == nil || entity == nil {
		return nil
	}
	entry := &models.MemoryEntry{
		ID:      entityKey(roomID, entity.ID),
		Scope:   models.ScopeRoom,
		ScopeID: strconv.FormatInt(roomID, 10),
		Content: content,
		Metadata: models.MemoryMetadata{
			Source: "recall",
			Tags:   []string{string(entity.Type), entity.Category},
		},
	}
	return r.mgr.Index(ctx, []*models.MemoryEntry{entry})
}

// Search implements memory.SemanticSearcher.
func (r *RoomIndex) Search(ctx context.Context, roomID int64, query string, limit int) (map[int64]float64, error) {
	if r == nil || r.mgr == nil {
		return nil, nil
	}
	resp, err := r.mgr.Search(ctx, &models.SearchRequest{
		Query:   query,
		Scope:   models.ScopeRoom,
		ScopeID: strconv.FormatInt(roomID, 10),
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(resp.Results))
	for _, res := range resp.Results {
		if res == nil || res.Entry == nil {
			continue
		}
		id, ok := parseEntityKey(roomID, res.Entry.ID)
		if !ok {
			continue
		}
		out[id] = float64(res.Score)
	}
	return out, nil
}

func entityKey(roomID, entityID int64) string {
	return fmt.Sprintf("room-%d-entity-%d", roomID, entityID)
}

func parseEntityKey(roomID int64, key string) (int64, bool) {
	prefix := fmt.Sprintf("room-%d-entity-", roomID)
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return 0, false
	}
	id, err := strconv.ParseInt(key[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

package memory

import (
	"context"
	"sort"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// SemanticSearcher is the optional 384-dim embedding index backing the
// semantic half of recall(). Absent a configured backend, Recall falls
// back to full-text search alone — never a hard failure.
type SemanticSearcher interface {
	// Search returns entity ids ranked by cosine similarity to query,
	// alongside a [0,1] similarity score.
	Search(ctx context.Context, roomID int64, query string, limit int) (map[int64]float64, error)
}

const (
	ftsWeight      = 0.6
	semanticWeight = 0.4
)

// Recall implements the room memory's remember/recall operations on top
// of the Store's entity/observation/relation tables and FTS index.
type Recall struct {
	store    *store.Store
	semantic SemanticSearcher
}

// New builds a Recall. semantic may be nil.
func New(s *store.Store, semantic SemanticSearcher) *Recall {
	return &Recall{store: s, semantic: semantic}
}

// Remember appends an observation, creating the named entity first if
// it does not already exist in the room.
func (r *Recall) Remember(ctx context.Context, roomID int64, entityName string, entityType models.EntityType, category, content, source string) (*models.Entity, error) {
	entity, err := r.store.FindEntityByName(ctx, roomID, entityName)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		entity = &models.Entity{RoomID: roomID, Name: entityName, Type: entityType, Category: category}
		if err := r.store.CreateEntity(ctx, entity); err != nil {
			return nil, err
		}
	}
	obs := &models.Observation{EntityID: entity.ID, Content: content, Source: source}
	if err := r.store.AddObservation(ctx, obs); err != nil {
		return nil, err
	}
	return entity, nil
}

// Relate links two named entities, creating either side that does not
// yet exist.
func (r *Recall) Relate(ctx context.Context, roomID int64, fromName, toName, relationType string) error {
	from, err := r.ensureEntity(ctx, roomID, fromName, models.EntityFact)
	if err != nil {
		return err
	}
	to, err := r.ensureEntity(ctx, roomID, toName, models.EntityFact)
	if err != nil {
		return err
	}
	return r.store.AddRelation(ctx, &models.Relation{FromEntityID: from.ID, ToEntityID: to.ID, RelationType: relationType})
}

func (r *Recall) ensureEntity(ctx context.Context, roomID int64, name string, fallback models.EntityType) (*models.Entity, error) {
	e, err := r.store.FindEntityByName(ctx, roomID, name)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}
	e = &models.Entity{RoomID: roomID, Name: name, Type: fallback}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Recall fuses a full-text match over observations with an optional
// semantic score, combining them by weighted sum (FTS 0.6, semantic
// 0.4). Results are re-ranked by the combined score, descending.
func (r *Recall) Recall(ctx context.Context, roomID int64, query string, limit int) ([]models.RecallResult, error) {
	ftsLimit := limit
	if ftsLimit <= 0 || ftsLimit > 50 {
		ftsLimit = 20
	}
	results, err := r.store.SearchObservationsFTS(ctx, roomID, query, ftsLimit)
	if err != nil {
		return nil, err
	}

	if r.semantic != nil {
		scores, err := r.semantic.Search(ctx, roomID, query, ftsLimit)
		if err == nil {
			byID := make(map[int64]int, len(results))
			for i, res := range results {
				byID[res.Entity.ID] = i
			}
			for id, sem := range scores {
				if i, ok := byID[id]; ok {
					results[i].SemanticScore = sem
					continue
				}
				entity, err := r.findEntity(ctx, roomID, id)
				if err != nil || entity == nil {
					continue
				}
				obs, err := r.store.ObservationsForEntity(ctx, id)
				if err != nil {
					continue
				}
				results = append(results, models.RecallResult{Entity: *entity, Observations: obs, SemanticScore: sem})
			}
			// semantic search failures degrade silently to FTS-only.
		}
	}

	for i := range results {
		results[i].Score = ftsWeight*results[i].FTSScore + semanticWeight*results[i].SemanticScore
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *Recall) findEntity(ctx context.Context, roomID, entityID int64) (*models.Entity, error) {
	entities, err := r.store.EntitiesByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.ID == entityID {
			return e, nil
		}
	}
	return nil, nil
}

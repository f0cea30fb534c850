package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateEntity inserts a new named entity for a room.
func (s *Store) CreateEntity(ctx context.Context, e *models.Entity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities(room_id, name, type, category) VALUES (?, ?, ?, ?)`,
			e.RoomID, e.Name, string(e.Type), nullString(e.Category))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		e.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM entities WHERE id = ?`, id).Scan(&e.CreatedAt)
	})
}

// FindEntityByName looks up an entity by exact name within a room, used
// to decide whether an observation attaches to an existing entity or
// needs a new one created first.
func (s *Store) FindEntityByName(ctx context.Context, roomID int64, name string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, name, type, category, created_at FROM entities WHERE room_id = ? AND name = ?`, roomID, name)
	var e models.Entity
	var category sql.NullString
	err := row.Scan(&e.ID, &e.RoomID, &e.Name, &e.Type, &category, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	e.Category = category.String
	return &e, nil
}

// AddObservation appends a note to an entity and keeps the observations_fts
// index in sync via the schema's AFTER INSERT trigger.
func (s *Store) AddObservation(ctx context.Context, o *models.Observation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO observations(entity_id, content, source) VALUES (?, ?, ?)`,
			o.EntityID, o.Content, nullString(o.Source))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		o.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM observations WHERE id = ?`, id).Scan(&o.CreatedAt)
	})
}

// AddRelation links two entities.
func (s *Store) AddRelation(ctx context.Context, r *models.Relation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relations(from_entity_id, to_entity_id, relation_type) VALUES (?, ?, ?)`,
			r.FromEntityID, r.ToEntityID, r.RelationType)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM relations WHERE id = ?`, id).Scan(&r.CreatedAt)
	})
}

// ObservationsForEntity returns every observation attached to an entity
// in insertion order.
func (s *Store) ObservationsForEntity(ctx context.Context, entityID int64) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, content, source, created_at FROM observations WHERE entity_id = ? ORDER BY id`, entityID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var source sql.NullString
		if err := rows.Scan(&o.ID, &o.EntityID, &o.Content, &source, &o.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		o.Source = source.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// SearchObservationsFTS runs a full-text match against observations_fts
// scoped to a room and returns the matching entity ids ranked by
// bm25 score (lower is more relevant; FTSScore is the negated rank so
// higher is better, matching RecallResult.Score's convention).
func (s *Store) SearchObservationsFTS(ctx context.Context, roomID int64, query string, limit int) ([]models.RecallResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.room_id, e.name, e.type, e.category, e.created_at, MAX(m.score) AS score
		FROM (
			SELECT rowid AS obs_id, -bm25(observations_fts) AS score
			FROM observations_fts
			WHERE observations_fts MATCH ?
		) m
		JOIN observations o ON o.id = m.obs_id
		JOIN entities e ON e.id = o.entity_id
		WHERE e.room_id = ?
		GROUP BY e.id
		ORDER BY score DESC
		LIMIT ?`, query, roomID, limit)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []models.RecallResult
	for rows.Next() {
		var r models.RecallResult
		var category sql.NullString
		if err := rows.Scan(&r.Entity.ID, &r.Entity.RoomID, &r.Entity.Name, &r.Entity.Type, &category, &r.Entity.CreatedAt, &r.FTSScore); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		r.Entity.Category = category.String
		r.Score = r.FTSScore
		obs, err := s.ObservationsForEntity(ctx, r.Entity.ID)
		if err != nil {
			return nil, err
		}
		r.Observations = obs
		out = append(out, r)
	}
	return out, rows.Err()
}

// EntitiesByRoom lists every entity tracked for a room.
func (s *Store) EntitiesByRoom(ctx context.Context, roomID int64) ([]*models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, name, type, category, created_at FROM entities WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var e models.Entity
		var category sql.NullString
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Name, &e.Type, &category, &e.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		e.Category = category.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

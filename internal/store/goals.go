package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// SetObjective creates the root goal for a room.
func (s *Store) SetObjective(ctx context.Context, g *models.Goal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertGoal(ctx, tx, g)
	})
}

// DecomposeGoal creates one or more leaf goals under parentID. Fails
// with models.KindInvalidState if the parent is completed or
// abandoned, and with models.KindScope if the parent belongs to a
// different room — a goal's ancestor chain never crosses rooms.
func (s *Store) DecomposeGoal(ctx context.Context, roomID, parentID int64, descriptions []string) ([]*models.Goal, error) {
	var out []*models.Goal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var parentRoom int64
		if err := tx.QueryRowContext(ctx, `SELECT status, room_id FROM goals WHERE id = ?`, parentID).Scan(&status, &parentRoom); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.NewError(models.KindNotFound, "goal %d", parentID)
			}
			return models.Wrap(models.KindInternal, err)
		}
		if parentRoom != roomID {
			return models.NewError(models.KindScope, "goal %d belongs to room %d, not room %d", parentID, parentRoom, roomID)
		}
		if status == string(models.GoalCompleted) || status == string(models.GoalAbandoned) {
			return models.NewError(models.KindInvalidState, "cannot decompose a %s goal", status)
		}
		for _, d := range descriptions {
			g := &models.Goal{RoomID: roomID, ParentGoalID: &parentID, Description: d, Status: models.GoalActive}
			if err := s.insertGoal(ctx, tx, g); err != nil {
				return err
			}
			out = append(out, g)
		}
		return nil
	})
	return out, err
}

func (s *Store) insertGoal(ctx context.Context, tx *sql.Tx, g *models.Goal) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO goals(room_id, parent_goal_id, description, status, progress, worker_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.RoomID, nullParent(g.ParentGoalID), g.Description, string(g.Status), g.Progress, nullRoomID(g.WorkerID))
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	g.ID = id
	return tx.QueryRowContext(ctx, `SELECT created_at FROM goals WHERE id = ?`, id).Scan(&g.CreatedAt)
}

func nullParent(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// GetGoal returns a goal by id, or (nil, nil) if absent.
func (s *Store) GetGoal(ctx context.Context, id int64) (*models.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, parent_goal_id, description, status, progress, worker_id, created_at
		FROM goals WHERE id = ?`, id)
	return scanGoal(row)
}

func scanGoal(row *sql.Row) (*models.Goal, error) {
	var g models.Goal
	var parent, worker sql.NullInt64
	err := row.Scan(&g.ID, &g.RoomID, &parent, &g.Description, &g.Status, &g.Progress, &worker, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if parent.Valid {
		g.ParentGoalID = &parent.Int64
	}
	if worker.Valid {
		g.WorkerID = &worker.Int64
	}
	return &g, nil
}

// ChildGoals returns the direct children of a goal.
func (s *Store) ChildGoals(ctx context.Context, parentID int64) ([]*models.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, parent_goal_id, description, status, progress, worker_id, created_at
		FROM goals WHERE parent_goal_id = ?`, parentID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
	return scanGoalRows(rows)
}

// GoalsByRoom returns every goal belonging to a room.
func (s *Store) GoalsByRoom(ctx context.Context, roomID int64) ([]*models.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, parent_goal_id, description, status, progress, worker_id, created_at
		FROM goals WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
	return scanGoalRows(rows)
}

func scanGoalRows(rows *sql.Rows) ([]*models.Goal, error) {
	var out []*models.Goal
	for rows.Next() {
		var g models.Goal
		var parent, worker sql.NullInt64
		if err := rows.Scan(&g.ID, &g.RoomID, &parent, &g.Description, &g.Status, &g.Progress, &worker, &g.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if parent.Valid {
			g.ParentGoalID = &parent.Int64
		}
		if worker.Valid {
			g.WorkerID = &worker.Int64
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// UpdateGoalProgress sets a leaf goal's progress/status directly. Use
// the internal/goal package's Tree.UpdateProgress for the full
// roll-up-to-ancestors operation; this is the raw row write it calls
// inside its own transaction boundary.
func (s *Store) UpdateGoalProgress(ctx context.Context, tx *sql.Tx, id int64, progress float64, status models.GoalStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE goals SET progress = ?, status = ? WHERE id = ?`, progress, string(status), id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// WithTx exposes the retrying transaction helper to other packages
// (internal/goal, internal/quorum) that need multi-statement atomicity
// spanning several Store methods.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// InsertGoalUpdate appends a GoalUpdate row, normalizing MetricValue
// from a percentage when given one greater than 1.
func (s *Store) InsertGoalUpdate(ctx context.Context, tx *sql.Tx, u *models.GoalUpdate) error {
	var metric any
	if u.MetricValue != nil {
		v := models.NormalizeMetric(*u.MetricValue)
		u.MetricValue = &v
		metric = v
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO goal_updates(goal_id, observation, metric_value, worker_id)
		VALUES (?, ?, ?, ?)`, u.GoalID, u.Observation, metric, nullRoomID(u.WorkerID))
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	u.ID = id
	return tx.QueryRowContext(ctx, `SELECT created_at FROM goal_updates WHERE id = ?`, id).Scan(&u.CreatedAt)
}

// DeleteGoal cascades to children via the foreign key ON DELETE CASCADE.
func (s *Store) DeleteGoal(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NewError(models.KindNotFound, "goal %d", id)
	}
	return nil
}

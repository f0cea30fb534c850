package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateWatch inserts a filesystem watch in the `active` state.
func (s *Store) CreateWatch(ctx context.Context, w *models.Watch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO watches(room_id, path, action_prompt, description, status)
			VALUES (?, ?, ?, ?, 'active')`, w.RoomID, w.Path, w.ActionPrompt, nullString(w.Description))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		w.ID = id
		w.Status = models.WatchActive
		return tx.QueryRowContext(ctx, `SELECT created_at FROM watches WHERE id = ?`, id).Scan(&w.CreatedAt)
	})
}

// GetWatch returns a watch by id, or (nil, nil) if absent.
func (s *Store) GetWatch(ctx context.Context, id int64) (*models.Watch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, path, action_prompt, description, status, trigger_count, last_triggered, created_at
		FROM watches WHERE id = ?`, id)
	return scanWatch(row)
}

func scanWatch(row *sql.Row) (*models.Watch, error) {
	var w models.Watch
	var desc sql.NullString
	var lastTriggered sql.NullTime
	err := row.Scan(&w.ID, &w.RoomID, &w.Path, &w.ActionPrompt, &desc, &w.Status, &w.TriggerCount, &lastTriggered, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	w.Description = desc.String
	if lastTriggered.Valid {
		w.LastTriggered = &lastTriggered.Time
	}
	return &w, nil
}

// ListWatchesByRoom returns every watch bound to a room, active first.
func (s *Store) ListWatchesByRoom(ctx context.Context, roomID int64) ([]*models.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, path, action_prompt, description, status, trigger_count, last_triggered, created_at
		FROM watches WHERE room_id = ? ORDER BY status, id`, roomID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Watch
	for rows.Next() {
		var w models.Watch
		var desc sql.NullString
		var lastTriggered sql.NullTime
		if err := rows.Scan(&w.ID, &w.RoomID, &w.Path, &w.ActionPrompt, &desc, &w.Status, &w.TriggerCount, &lastTriggered, &w.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		w.Description = desc.String
		if lastTriggered.Valid {
			w.LastTriggered = &lastTriggered.Time
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ActiveWatches returns every `active` watch across all rooms, for the
// file watcher to register on startup.
func (s *Store) ActiveWatches(ctx context.Context) ([]*models.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, path, action_prompt, description, status, trigger_count, last_triggered, created_at
		FROM watches WHERE status = 'active'`)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Watch
	for rows.Next() {
		var w models.Watch
		var desc sql.NullString
		var lastTriggered sql.NullTime
		if err := rows.Scan(&w.ID, &w.RoomID, &w.Path, &w.ActionPrompt, &desc, &w.Status, &w.TriggerCount, &lastTriggered, &w.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		w.Description = desc.String
		if lastTriggered.Valid {
			w.LastTriggered = &lastTriggered.Time
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// RecordWatchTrigger increments a watch's counter and stamps its last
// fire time, called each time the debounced watcher dispatches a
// synthetic task.
func (s *Store) RecordWatchTrigger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watches SET trigger_count = trigger_count + 1, last_triggered = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// SetWatchStatus pauses or resumes a watch.
func (s *Store) SetWatchStatus(ctx context.Context, id int64, status models.WatchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watches SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NewError(models.KindNotFound, "watch %d", id)
	}
	return nil
}

// DeleteWatch removes a watch.
func (s *Store) DeleteWatch(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NewError(models.KindNotFound, "watch %d", id)
	}
	return nil
}

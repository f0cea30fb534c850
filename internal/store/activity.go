package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// RecordActivity appends one row to a room's activity trail. Unlike
// process logs, activity events are a persisted domain entity the
// dashboard and the Agent Loop's prompt envelope both read back.
func (s *Store) RecordActivity(ctx context.Context, e *models.ActivityEvent) error {
	var payload any
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return models.Wrap(models.KindInvalidInput, err)
		}
		payload = string(b)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activity_events(room_id, event_type, summary, worker_id, payload_json)
			VALUES (?, ?, ?, ?, ?)`, e.RoomID, e.EventType, e.Summary, nullRoomID(e.WorkerID), payload)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		e.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM activity_events WHERE id = ?`, id).Scan(&e.CreatedAt)
	})
}

// ListActivity returns a room's activity trail, most recent first.
func (s *Store) ListActivity(ctx context.Context, roomID int64, limit int) ([]*models.ActivityEvent, error) {
	q := `SELECT id, room_id, event_type, summary, worker_id, payload_json, created_at
		FROM activity_events WHERE room_id = ? ORDER BY id DESC`
	args := []any{roomID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.ActivityEvent
	for rows.Next() {
		var e models.ActivityEvent
		var worker sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RoomID, &e.EventType, &e.Summary, &worker, &payload, &e.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if worker.Valid {
			e.WorkerID = &worker.Int64
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, models.Wrap(models.KindInternal, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

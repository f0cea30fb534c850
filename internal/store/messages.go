package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateMessage appends a message to a room's mailbox.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, from_worker_id, to_worker_id, body)
		VALUES (?, ?, ?, ?)`,
		m.RoomID, nullWorkerID(m.FromWorkerID), nullWorkerID(m.ToWorkerID), m.Body)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	m.ID, _ = res.LastInsertId()
	m.CreatedAt = time.Now()
	return nil
}

// UnreadMessagesForWorker returns every unread message addressed to
// workerID, oldest first.
func (s *Store) UnreadMessagesForWorker(ctx context.Context, workerID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, from_worker_id, to_worker_id, body, read_at, created_at
		FROM messages
		WHERE to_worker_id = ? AND read_at IS NULL
		ORDER BY id ASC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnreadKeeperMessages returns unread messages addressed to the keeper
// (to_worker_id NULL) for a room, oldest first.
func (s *Store) UnreadKeeperMessages(ctx context.Context, roomID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, from_worker_id, to_worker_id, body, read_at, created_at
		FROM messages
		WHERE room_id = ? AND to_worker_id IS NULL AND read_at IS NULL
		ORDER BY id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkMessagesRead stamps read_at on the given message ids.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET read_at = CURRENT_TIMESTAMP WHERE id = ? AND read_at IS NULL`, id); err != nil {
			return err
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var from, to sql.NullInt64
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.RoomID, &from, &to, &m.Body, &readAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			m.FromWorkerID = &from.Int64
		}
		if to.Valid {
			m.ToWorkerID = &to.Int64
		}
		if readAt.Valid {
			m.ReadAt = &readAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullWorkerID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

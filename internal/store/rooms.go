package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// NewWebhookToken returns a 16-byte (128-bit) opaque hex token, used for
// both room and task webhook routes.
func NewWebhookToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateRoom inserts a room row on its own. CreateRoomWithQueen writes
// the room and its Queen worker in one transaction; the wallet is
// created by a separate call.
func (s *Store) CreateRoom(ctx context.Context, r *models.Room) error {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return models.Wrap(models.KindInvalidInput, err)
	}
	if r.WebhookToken == "" {
		tok, err := NewWebhookToken()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.WebhookToken = tok
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms(name, objective, status, visibility, queen_id, config_json, webhook_token, referrer_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Objective, string(r.Status), string(r.Visibility), nullInt64(r.QueenID), string(cfgJSON), r.WebhookToken, nullString(r.ReferrerCode))
		if err != nil {
			if isUnique(err) {
				return models.NewError(models.KindAlreadyExists, "room webhook token collision")
			}
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM rooms WHERE id = ?`, id).Scan(&r.CreatedAt)
	})
}

// GetRoom returns a room by id, or (nil, nil) if it does not exist.
func (s *Store) GetRoom(ctx context.Context, id int64) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, objective, status, visibility, queen_id, config_json, webhook_token, referrer_code, created_at
		FROM rooms WHERE id = ? AND deleted_at IS NULL`, id)
	return scanRoom(row)
}

// GetRoomByWebhookToken resolves the room bound to a webhook token with
// a constant-time-safe lookup (the token itself is the lookup key, so
// timing only reveals whether *a* token matches, not which prefix).
func (s *Store) GetRoomByWebhookToken(ctx context.Context, token string) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, objective, status, visibility, queen_id, config_json, webhook_token, referrer_code, created_at
		FROM rooms WHERE webhook_token = ? AND deleted_at IS NULL`, token)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*models.Room, error) {
	var r models.Room
	var cfgJSON string
	var queenID sql.NullInt64
	var referrer sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Objective, &r.Status, &r.Visibility, &queenID, &cfgJSON, &r.WebhookToken, &referrer, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if queenID.Valid {
		r.QueenID = queenID.Int64
	}
	r.ReferrerCode = referrer.String
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	return &r, nil
}

// UpdateRoom persists changes to status, config, and queen id.
func (s *Store) UpdateRoom(ctx context.Context, r *models.Room) error {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return models.Wrap(models.KindInvalidInput, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rooms SET status = ?, visibility = ?, queen_id = ?, config_json = ?
			WHERE id = ? AND deleted_at IS NULL`,
			string(r.Status), string(r.Visibility), nullInt64(r.QueenID), string(cfgJSON), r.ID)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return models.NewError(models.KindNotFound, "room %d", r.ID)
		}
		return nil
	})
}

// DeleteRoom soft-deletes a room; cascading deletes of owned rows are
// left to a background reaper since SQLite foreign keys cascade hard
// deletes only, and a soft-deleted room must remain auditable.
func (s *Store) DeleteRoom(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rooms SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`, id)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return models.NewError(models.KindNotFound, "room %d", id)
		}
		return nil
	})
}

// ListRooms returns all non-deleted rooms, optionally filtered by status.
func (s *Store) ListRooms(ctx context.Context, status *models.RoomStatus) ([]*models.Room, error) {
	q := `SELECT id, name, objective, status, visibility, queen_id, config_json, webhook_token, referrer_code, created_at
		FROM rooms WHERE deleted_at IS NULL`
	args := []any{}
	if status != nil {
		q += ` AND status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		var r models.Room
		var cfgJSON string
		var queenID sql.NullInt64
		var referrer sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Objective, &r.Status, &r.Visibility, &queenID, &cfgJSON, &r.WebhookToken, &referrer, &r.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if queenID.Valid {
			r.QueenID = queenID.Int64
		}
		r.ReferrerCode = referrer.String
		if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ = fmt.Sprintf

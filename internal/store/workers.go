package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateRoomWithQueen creates a room and its default Queen worker in
// a single transaction, so a room is never observable without its
// Queen. The wallet is created by the caller (internal/wallet) in a
// follow-up call, since key generation is a distinct concern.
func (s *Store) CreateRoomWithQueen(ctx context.Context, r *models.Room, queen *models.Worker) error {
	cfgJSON := r.Config
	_ = cfgJSON
	if r.WebhookToken == "" {
		tok, err := NewWebhookToken()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.WebhookToken = tok
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		cfgBytes, err := marshalConfig(r.Config)
		if err != nil {
			return models.Wrap(models.KindInvalidInput, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms(name, objective, status, visibility, config_json, webhook_token, referrer_code)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Objective, string(r.Status), string(r.Visibility), cfgBytes, r.WebhookToken, nullString(r.ReferrerCode))
		if err != nil {
			if isUnique(err) {
				return models.NewError(models.KindAlreadyExists, "room webhook token collision")
			}
			return models.Wrap(models.KindInternal, err)
		}
		roomID, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.ID = roomID

		queen.RoomID = &roomID
		queen.IsDefault = true
		wres, err := tx.ExecContext(ctx, `
			INSERT INTO workers(room_id, name, role, system_prompt, model, is_default, state)
			VALUES (?, ?, ?, ?, ?, 1, 'idle')`,
			roomID, queen.Name, queen.Role, queen.SystemPrompt, nullString(queen.Model))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		queenID, err := wres.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		queen.ID = queenID

		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET queen_id = ? WHERE id = ?`, queenID, roomID); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.QueenID = queenID

		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM rooms WHERE id = ?`, roomID).Scan(&r.CreatedAt); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		return tx.QueryRowContext(ctx, `SELECT created_at FROM workers WHERE id = ?`, queenID).Scan(&queen.CreatedAt)
	})
}

// CreateWorker inserts a new worker. If worker.IsDefault is set and
// another default worker already exists for the room, the insert fails
// with models.KindInvalidState — enforcing "at most one default worker
// per room" at write time rather than read time.
func (s *Store) CreateWorker(ctx context.Context, w *models.Worker) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if w.IsDefault && w.RoomID != nil {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE room_id = ? AND is_default = 1`, *w.RoomID).Scan(&count); err != nil {
				return models.Wrap(models.KindInternal, err)
			}
			if count > 0 {
				return models.NewError(models.KindInvalidState, "room %d already has a default worker", *w.RoomID)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO workers(room_id, name, role, system_prompt, model, is_default, state, cycle_gap_ms, max_turns)
			VALUES (?, ?, ?, ?, ?, ?, 'idle', ?, ?)`,
			nullRoomID(w.RoomID), w.Name, w.Role, w.SystemPrompt, nullString(w.Model), boolInt(w.IsDefault), w.CycleGapMs, w.MaxTurns)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		w.ID = id
		w.State = models.AgentIdle
		return tx.QueryRowContext(ctx, `SELECT created_at FROM workers WHERE id = ?`, id).Scan(&w.CreatedAt)
	})
}

// GetWorker returns a worker by id, or (nil, nil) if absent.
func (s *Store) GetWorker(ctx context.Context, id int64) (*models.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, name, role, system_prompt, model, is_default, state, cycle_gap_ms, max_turns, votes_cast, votes_approved, created_at
		FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func scanWorker(row *sql.Row) (*models.Worker, error) {
	var w models.Worker
	var roomID sql.NullInt64
	var model sql.NullString
	err := row.Scan(&w.ID, &roomID, &w.Name, &w.Role, &w.SystemPrompt, &model, &w.IsDefault, &w.State,
		&w.CycleGapMs, &w.MaxTurns, &w.VotesCast, &w.VotesApproved, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if roomID.Valid {
		w.RoomID = &roomID.Int64
	}
	w.Model = model.String
	return &w, nil
}

// ListWorkersByRoom returns every worker bound to a room, queen first.
func (s *Store) ListWorkersByRoom(ctx context.Context, roomID int64) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, name, role, system_prompt, model, is_default, state, cycle_gap_ms, max_turns, votes_cast, votes_approved, created_at
		FROM workers WHERE room_id = ? ORDER BY is_default DESC, id`, roomID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		var w models.Worker
		var rid sql.NullInt64
		var model sql.NullString
		if err := rows.Scan(&w.ID, &rid, &w.Name, &w.Role, &w.SystemPrompt, &model, &w.IsDefault, &w.State,
			&w.CycleGapMs, &w.MaxTurns, &w.VotesCast, &w.VotesApproved, &w.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if rid.Valid {
			w.RoomID = &rid.Int64
		}
		w.Model = model.String
		out = append(out, &w)
	}
	return out, rows.Err()
}

// UpdateWorker persists changes to a worker's configuration fields
// (role, system prompt, model, per-worker cycle/turn overrides). State
// and vote counters are updated through their own dedicated methods.
func (s *Store) UpdateWorker(ctx context.Context, w *models.Worker) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET name = ?, role = ?, system_prompt = ?, model = ?, cycle_gap_ms = ?, max_turns = ?
		WHERE id = ?`,
		w.Name, w.Role, w.SystemPrompt, nullString(w.Model), w.CycleGapMs, w.MaxTurns, w.ID)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	if n == 0 {
		return models.NewError(models.KindNotFound, "worker %d", w.ID)
	}
	return nil
}

// UpdateWorkerState sets a worker's in-memory-visible AgentState.
func (s *Store) UpdateWorkerState(ctx context.Context, id int64, state models.AgentState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// RecordVoteStats increments a worker's vote counters after a tally.
func (s *Store) RecordVoteStats(ctx context.Context, tx *sql.Tx, workerID int64, approved bool) error {
	if approved {
		_, err := tx.ExecContext(ctx, `UPDATE workers SET votes_cast = votes_cast + 1, votes_approved = votes_approved + 1 WHERE id = ?`, workerID)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE workers SET votes_cast = votes_cast + 1 WHERE id = ?`, workerID)
	return err
}

// DeleteWorker detaches (rather than cascades) referencing tasks by
// setting worker_id = NULL, then removes the worker row.
func (s *Store) DeleteWorker(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET worker_id = NULL WHERE worker_id = ?`, id); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE goals SET worker_id = NULL WHERE worker_id = ?`, id); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return models.NewError(models.KindNotFound, "worker %d", id)
		}
		return nil
	})
}

func nullRoomID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

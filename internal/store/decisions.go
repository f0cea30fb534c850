package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateDecision inserts a new proposal in the `voting` state.
func (s *Store) CreateDecision(ctx context.Context, d *models.Decision) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO decisions(room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.RoomID, nullRoomID(d.ProposerID), d.Proposal, string(d.Type), string(d.Threshold), d.MinVoters, boolInt(d.Sealed), string(d.Status))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		d.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM decisions WHERE id = ?`, id).Scan(&d.CreatedAt)
	})
}

// GetDecisionTx reads a decision row inside an existing transaction —
// used by the quorum tally path to re-read the row transactionally
// before transitioning, guarding against stale timer firings.
func (s *Store) GetDecisionTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Decision, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status, result, effective_at, created_at
		FROM decisions WHERE id = ?`, id)
	return scanDecision(row)
}

// GetDecision returns a decision by id, or (nil, nil) if absent.
func (s *Store) GetDecision(ctx context.Context, id int64) (*models.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status, result, effective_at, created_at
		FROM decisions WHERE id = ?`, id)
	return scanDecision(row)
}

func scanDecision(row *sql.Row) (*models.Decision, error) {
	var d models.Decision
	var proposer sql.NullInt64
	var result sql.NullString
	var effective sql.NullTime
	err := row.Scan(&d.ID, &d.RoomID, &proposer, &d.Proposal, &d.Type, &d.Threshold, &d.MinVoters, &d.Sealed, &d.Status, &result, &effective, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if proposer.Valid {
		d.ProposerID = &proposer.Int64
	}
	d.Result = result.String
	if effective.Valid {
		d.EffectiveAt = &effective.Time
	}
	return &d, nil
}

// TransitionDecisionTx writes a new terminal or intermediate status
// inside tx. Callers must have already verified the current status
// permits the transition (decisions never reopen once terminal).
func (s *Store) TransitionDecisionTx(ctx context.Context, tx *sql.Tx, id int64, status models.DecisionStatus, result string, effectiveAt *any) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET status = ?, result = ? WHERE id = ?`, string(status), nullString(result), id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// SetDecisionEffectiveAtTx stamps the timer deadline for an announced
// decision to transition to effective.
func (s *Store) SetDecisionEffectiveAtTx(ctx context.Context, tx *sql.Tx, id int64, t any) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET effective_at = ? WHERE id = ?`, t, id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// UpsertVoteTx inserts a vote or, if the (decision, worker) pair
// already exists, atomically replaces it. Callers must check the
// decision is still in {voting, announced} before calling.
func (s *Store) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v *models.Vote) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO votes(decision_id, worker_id, value, reasoning)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(decision_id, worker_id) DO UPDATE SET value = excluded.value, reasoning = excluded.reasoning, created_at = CURRENT_TIMESTAMP`,
		v.DecisionID, v.WorkerID, string(v.Value), nullString(v.Reasoning))
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return tx.QueryRowContext(ctx, `SELECT id, created_at FROM votes WHERE decision_id = ? AND worker_id = ?`, v.DecisionID, v.WorkerID).Scan(&v.ID, &v.CreatedAt)
}

// VotesForDecisionTx returns all ballots cast on a decision.
func (s *Store) VotesForDecisionTx(ctx context.Context, tx *sql.Tx, decisionID int64) ([]*models.Vote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, decision_id, worker_id, value, reasoning, created_at FROM votes WHERE decision_id = ?`, decisionID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Vote
	for rows.Next() {
		var v models.Vote
		var reasoning sql.NullString
		if err := rows.Scan(&v.ID, &v.DecisionID, &v.WorkerID, &v.Value, &reasoning, &v.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		v.Reasoning = reasoning.String
		out = append(out, &v)
	}
	return out, rows.Err()
}

// PendingDecisionsForWorker returns voting decisions in roomID that
// workerID has not yet voted on — used to build the Agent Loop's
// prompt envelope ("pending decisions the worker has not voted on").
func (s *Store) PendingDecisionsForWorker(ctx context.Context, roomID, workerID int64) ([]*models.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.room_id, d.proposer_id, d.proposal, d.type, d.threshold, d.min_voters, d.sealed, d.status, d.result, d.effective_at, d.created_at
		FROM decisions d
		WHERE d.room_id = ? AND d.status = 'voting'
		  AND NOT EXISTS (SELECT 1 FROM votes v WHERE v.decision_id = d.id AND v.worker_id = ?)
		ORDER BY d.id`, roomID, workerID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Decision
	for rows.Next() {
		var d models.Decision
		var proposer sql.NullInt64
		var result sql.NullString
		var effective sql.NullTime
		if err := rows.Scan(&d.ID, &d.RoomID, &proposer, &d.Proposal, &d.Type, &d.Threshold, &d.MinVoters, &d.Sealed, &d.Status, &result, &effective, &d.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if proposer.Valid {
			d.ProposerID = &proposer.Int64
		}
		d.Result = result.String
		if effective.Valid {
			d.EffectiveAt = &effective.Time
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// EligibleVoterCount counts workers eligible to vote in a room (every
// worker bound to the room, including the Queen).
func (s *Store) EligibleVoterCount(ctx context.Context, tx *sql.Tx, roomID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, models.Wrap(models.KindInternal, err)
	}
	return n, nil
}

// VotingDecisionsPastTimeout returns decisions still in `voting` whose
// age exceeds timeoutSeconds, for the timer sweep to expire.
func (s *Store) VotingDecisionsPastTimeout(ctx context.Context, timeoutSeconds int) ([]*models.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status, result, effective_at, created_at
		FROM decisions WHERE status = 'voting' AND created_at <= datetime('now', ? || ' seconds')`, -timeoutSeconds)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
	return scanDecisionRows(rows)
}

// VotingDecisionsForRoom returns a room's decisions still in the
// voting state, used to re-tally after the eligible voter pool
// changes.
func (s *Store) VotingDecisionsForRoom(ctx context.Context, roomID int64) ([]*models.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status, result, effective_at, created_at
		FROM decisions WHERE room_id = ? AND status = 'voting'`, roomID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
	return scanDecisionRows(rows)
}

// AnnouncedDecisionsPastEffective returns `announced` decisions whose
// 10-minute objection window has elapsed.
func (s *Store) AnnouncedDecisionsPastEffective(ctx context.Context) ([]*models.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, proposer_id, proposal, type, threshold, min_voters, sealed, status, result, effective_at, created_at
		FROM decisions WHERE status = 'announced' AND effective_at IS NOT NULL AND effective_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
	return scanDecisionRows(rows)
}

func scanDecisionRows(rows *sql.Rows) ([]*models.Decision, error) {
	var out []*models.Decision
	for rows.Next() {
		var d models.Decision
		var proposer sql.NullInt64
		var result sql.NullString
		var effective sql.NullTime
		if err := rows.Scan(&d.ID, &d.RoomID, &proposer, &d.Proposal, &d.Type, &d.Threshold, &d.MinVoters, &d.Sealed, &d.Status, &result, &effective, &d.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		if proposer.Valid {
			d.ProposerID = &proposer.Int64
		}
		d.Result = result.String
		if effective.Valid {
			d.EffectiveAt = &effective.Time
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

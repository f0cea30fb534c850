// Package goal implements the hierarchical goal tree: decomposition,
// progress updates, and the ancestor roll-up that keeps every interior
// node's progress equal to the mean of its non-abandoned children.
package goal

import (
	"context"
	"database/sql"
	"math"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Tree wraps the store with the goal-tree operations.
// The raw row writes live on store.Store; Tree supplies the multi-row
// transaction and the rollup walk that store.UpdateGoalProgress leaves
// to its caller.
type Tree struct {
	store *store.Store
}

// New returns a Tree backed by s.
func New(s *store.Store) *Tree {
	return &Tree{store: s}
}

// SetObjective creates the root goal for a room.
func (t *Tree) SetObjective(ctx context.Context, roomID int64, description string) (*models.Goal, error) {
	g := &models.Goal{RoomID: roomID, Description: description, Status: models.GoalActive}
	if err := t.store.SetObjective(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DecomposeGoal creates leaf goals under parentID. Fails with
// models.KindInvalidState if the parent is completed or abandoned.
func (t *Tree) DecomposeGoal(ctx context.Context, roomID, parentID int64, descriptions []string) ([]*models.Goal, error) {
	return t.store.DecomposeGoal(ctx, roomID, parentID, descriptions)
}

// UpdateProgress records an observation against a goal, optionally with
// a metric value, and propagates the resulting progress change to every
// ancestor. Interior nodes are recomputed as the mean of their
// non-abandoned children; an interior node whose children are all
// completed transitions to completed itself.
func (t *Tree) UpdateProgress(ctx context.Context, goalID int64, observation string, metricValue *float64, workerID *int64) (*models.Goal, error) {
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := t.getGoalTx(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return models.NewError(models.KindNotFound, "goal %d", goalID)
		}

		if err := t.store.InsertGoalUpdate(ctx, tx, &models.GoalUpdate{
			GoalID:      goalID,
			Observation: observation,
			MetricValue: metricValue,
			WorkerID:    workerID,
		}); err != nil {
			return err
		}

		// Only a leaf accepts an explicit progress write; interior
		// nodes are always derived from their children.
		children, err := t.childGoalsTx(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if len(children) == 0 && metricValue != nil {
			progress := models.NormalizeMetric(*metricValue)
			status := g.Status
			if progress >= 1 {
				progress = 1
				status = models.GoalCompleted
			} else if status == models.GoalActive {
				status = models.GoalInProgress
			}
			if err := t.store.UpdateGoalProgress(ctx, tx, goalID, progress, status); err != nil {
				return err
			}
			g.Progress = progress
			g.Status = status
		}

		if err := t.rollupAncestors(ctx, tx, g); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.store.GetGoal(ctx, goalID)
}

// Complete marks a goal completed directly (e.g. a Queen tool call
// rather than a metric-driven update) and rolls the change up.
func (t *Tree) Complete(ctx context.Context, goalID int64) error {
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := t.getGoalTx(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return models.NewError(models.KindNotFound, "goal %d", goalID)
		}
		if err := t.store.UpdateGoalProgress(ctx, tx, goalID, 1, models.GoalCompleted); err != nil {
			return err
		}
		g.Progress = 1
		g.Status = models.GoalCompleted
		return t.rollupAncestors(ctx, tx, g)
	})
}

// Abandon marks a goal abandoned. Abandoned goals are excluded from
// their parent's mean but do not force the parent's progress.
func (t *Tree) Abandon(ctx context.Context, goalID int64) error {
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := t.getGoalTx(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return models.NewError(models.KindNotFound, "goal %d", goalID)
		}
		if err := t.store.UpdateGoalProgress(ctx, tx, goalID, g.Progress, models.GoalAbandoned); err != nil {
			return err
		}
		g.Status = models.GoalAbandoned
		return t.rollupAncestors(ctx, tx, g)
	})
}

// rollupAncestors walks from g's parent to the root, recomputing each
// interior node's progress as the mean of its non-abandoned children.
func (t *Tree) rollupAncestors(ctx context.Context, tx *sql.Tx, g *models.Goal) error {
	parentID := g.ParentGoalID
	for parentID != nil {
		parent, err := t.getGoalTx(ctx, tx, *parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		children, err := t.childGoalsTx(ctx, tx, parent.ID)
		if err != nil {
			return err
		}

		var sum float64
		var counted, completed int
		for _, c := range children {
			if c.Status == models.GoalAbandoned {
				continue
			}
			sum += c.Progress
			counted++
			if c.Status == models.GoalCompleted {
				completed++
			}
		}

		progress := parent.Progress
		status := parent.Status
		if counted > 0 {
			progress = sum / float64(counted)
			if completed == counted {
				progress = 1
				status = models.GoalCompleted
			} else if status == models.GoalActive && progress > 0 {
				status = models.GoalInProgress
			}
		}

		if math.Abs(progress-parent.Progress) > 1e-9 || status != parent.Status {
			if err := t.store.UpdateGoalProgress(ctx, tx, parent.ID, progress, status); err != nil {
				return err
			}
		}
		parent.Progress = progress
		parent.Status = status
		parentID = parent.ParentGoalID
	}
	return nil
}

func (t *Tree) getGoalTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Goal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, room_id, parent_goal_id, description, status, progress, worker_id, created_at
		FROM goals WHERE id = ?`, id)
	var g models.Goal
	var parent, worker sql.NullInt64
	err := row.Scan(&g.ID, &g.RoomID, &parent, &g.Description, &g.Status, &g.Progress, &worker, &g.CreatedAt)
	if err == sql.ErrNoRows {
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

func (t *Tree) childGoalsTx(ctx context.Context, tx *sql.Tx, parentID int64) ([]*models.Goal, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, room_id, parent_goal_id, description, status, progress, worker_id, created_at
		FROM goals WHERE parent_goal_id = ?`, parentID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()
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

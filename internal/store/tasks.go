package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// ListTasksOptions filters Store.ListTasks by room, status, and page.
type ListTasksOptions struct {
	Status          *models.TaskStatus
	RoomID          int64
	Limit, Offset   int
	IncludeDisabled bool
}

// ListExecutionsOptions filters Store.ListTaskRuns.
type ListExecutionsOptions struct {
	Status        *models.RunStatus
	Limit, Offset int
	Since, Until  *time.Time
}

// CreateTask inserts a new scheduled task. A one-shot task whose
// ScheduledAt is already in the past is rejected at creation.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.TriggerType == models.TriggerOnce && t.ScheduledAt != nil && t.ScheduledAt.Before(time.Now()) {
		return models.NewError(models.KindInvalidInput, "scheduledAt is in the past")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(room_id, worker_id, name, prompt, trigger_type, cron_expression, scheduled_at,
				executor_tag, status, max_runs, session_continuity, timeout_minutes, max_turns, allow_tools, disallow_tools, webhook_token, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.RoomID, nullRoomID(t.WorkerID), t.Name, t.Prompt, string(t.TriggerType), nullString(t.CronExpression), nullTime(t.ScheduledAt),
			nullString(t.ExecutorTag), string(t.Status), t.MaxRuns, boolInt(t.SessionContinuity), t.TimeoutMinutes, t.MaxTurns,
			joinTools(t.AllowTools), joinTools(t.DisallowTools), nullString(t.WebhookToken), nullTime(t.NextRunAt))
		if err != nil {
			if isUnique(err) {
				return models.NewError(models.KindAlreadyExists, "webhook token collision")
			}
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		t.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM tasks WHERE id = ?`, id).Scan(&t.CreatedAt)
	})
}

func joinTools(tools []string) any {
	if len(tools) == 0 {
		return nil
	}
	return strings.Join(tools, ",")
}

func splitTools(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}

// GetTask returns a task by id, or (nil, nil) if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByWebhookToken resolves a task bound to a webhook hook token.
func (s *Store) GetTaskByWebhookToken(ctx context.Context, token string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE webhook_token = ?`, token)
	return scanTask(row)
}

const taskSelect = `
	SELECT id, room_id, worker_id, name, prompt, trigger_type, cron_expression, scheduled_at, executor_tag, status,
		run_count, error_count, max_runs, session_id, session_continuity, learned_context, timeout_minutes, max_turns,
		allow_tools, disallow_tools, webhook_token, next_run_at, last_run_at, created_at
	FROM tasks`

func scanTask(row *sql.Row) (*models.Task, error) {
	var t models.Task
	var worker sql.NullInt64
	var cron, execTag, sessionID, learned, allow, disallow, webhookTok sql.NullString
	var scheduledAt, nextRunAt, lastRunAt sql.NullTime
	err := row.Scan(&t.ID, &t.RoomID, &worker, &t.Name, &t.Prompt, &t.TriggerType, &cron, &scheduledAt, &execTag, &t.Status,
		&t.RunCount, &t.ErrorCount, &t.MaxRuns, &sessionID, &t.SessionContinuity, &learned, &t.TimeoutMinutes, &t.MaxTurns,
		&allow, &disallow, &webhookTok, &nextRunAt, &lastRunAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if worker.Valid {
		t.WorkerID = &worker.Int64
	}
	t.CronExpression = cron.String
	t.ExecutorTag = execTag.String
	t.SessionID = sessionID.String
	t.LearnedContext = learned.String
	t.WebhookToken = webhookTok.String
	t.AllowTools = splitTools(allow)
	t.DisallowTools = splitTools(disallow)
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if nextRunAt.Valid {
		t.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	return &t, nil
}

// UpdateTask persists mutable task fields: status, counters, schedule,
// session id, and learned context.
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, run_count = ?, error_count = ?, session_id = ?, learned_context = ?,
				next_run_at = ?, last_run_at = ?
			WHERE id = ?`,
			string(t.Status), t.RunCount, t.ErrorCount, nullString(t.SessionID), nullString(t.LearnedContext),
			nullTime(t.NextRunAt), nullTime(t.LastRunAt), t.ID)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		return nil
	})
}

// DeleteTask removes a task (and, via cascade, its runs and logs).
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NewError(models.KindNotFound, "task %d", id)
	}
	return nil
}

// ListTasks returns tasks matching the given filters.
func (s *Store) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, error) {
	q := taskSelect + ` WHERE room_id = ?`
	args := []any{opts.RoomID}
	if opts.Status != nil {
		q += ` AND status = ?`
		args = append(args, string(*opts.Status))
	} else if !opts.IncludeDisabled {
		q += ` AND status != 'paused'`
	}
	q += ` ORDER BY id`
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTaskRow(rows *sql.Rows) (*models.Task, error) {
	var t models.Task
	var worker sql.NullInt64
	var cron, execTag, sessionID, learned, allow, disallow, webhookTok sql.NullString
	var scheduledAt, nextRunAt, lastRunAt sql.NullTime
	err := rows.Scan(&t.ID, &t.RoomID, &worker, &t.Name, &t.Prompt, &t.TriggerType, &cron, &scheduledAt, &execTag, &t.Status,
		&t.RunCount, &t.ErrorCount, &t.MaxRuns, &sessionID, &t.SessionContinuity, &learned, &t.TimeoutMinutes, &t.MaxTurns,
		&allow, &disallow, &webhookTok, &nextRunAt, &lastRunAt, &t.CreatedAt)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if worker.Valid {
		t.WorkerID = &worker.Int64
	}
	t.CronExpression = cron.String
	t.ExecutorTag = execTag.String
	t.SessionID = sessionID.String
	t.LearnedContext = learned.String
	t.WebhookToken = webhookTok.String
	t.AllowTools = splitTools(allow)
	t.DisallowTools = splitTools(disallow)
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if nextRunAt.Valid {
		t.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	return &t, nil
}

// GetDueTasks returns active tasks whose NextRunAt has passed.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	q := taskSelect + ` WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateExecution inserts a new TaskRun in `queued` state.
func (s *Store) CreateExecution(ctx context.Context, r *models.TaskRun) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs(task_id, status, progress) VALUES (?, 'queued', 0)`, r.TaskID)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.ID = id
		r.Status = models.RunQueued
		return nil
	})
}

// AcquireExecution claims the oldest unlocked `queued` run for
// workerID, setting a lock that expires after lockDuration. Returns
// (nil, nil) if nothing is available. SQLite has no SELECT FOR UPDATE
// SKIP LOCKED; the single-writer transaction serializes the
// check-then-claim instead, which gives the same mutual-exclusion
// guarantee for a single-process store.
func (s *Store) AcquireExecution(ctx context.Context, workerID string, lockDuration time.Duration) (*models.TaskRun, error) {
	var run *models.TaskRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, task_id, status, started_at, finished_at, duration_ms, exit_code, result, error_message,
				result_file, progress, progress_message, session_id, locked_by, locked_until, attempt
			FROM task_runs
			WHERE status = 'queued' AND (locked_until IS NULL OR locked_until <= CURRENT_TIMESTAMP)
			ORDER BY id LIMIT 1`)
		r, err := scanRun(row)
		if err != nil || r == nil {
			return err
		}
		until := time.Now().Add(lockDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET locked_by = ?, locked_until = ?, attempt = attempt + 1 WHERE id = ?`,
			workerID, until, r.ID); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		r.LockedBy = workerID
		r.LockedUntil = &until
		r.Attempt++
		run = r
		return nil
	})
	return run, err
}

// ReleaseExecution clears the lock on an execution without changing status.
func (s *Store) ReleaseExecution(ctx context.Context, executionID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_runs SET locked_by = NULL, locked_until = NULL WHERE id = ?`, executionID)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// MarkRunning transitions a run to `running` and stamps StartedAt.
func (s *Store) MarkRunning(ctx context.Context, executionID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_runs SET status = 'running', started_at = CURRENT_TIMESTAMP WHERE id = ?`, executionID)
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}
	return nil
}

// CompleteExecution finalizes a run with a terminal status.
func (s *Store) CompleteExecution(ctx context.Context, executionID int64, status models.RunStatus, result, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT started_at FROM task_runs WHERE id = ?`, executionID)
		var started sql.NullTime
		if err := row.Scan(&started); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.NewError(models.KindNotFound, "run %d", executionID)
			}
			return models.Wrap(models.KindInternal, err)
		}
		now := time.Now()
		var durationMs int64
		if started.Valid {
			durationMs = now.Sub(started.Time).Milliseconds()
		}
		// Terminal statuses never reopen: finalizing an already
		// finalized run is a no-op, so a cancel racing a completion
		// leaves whichever landed first.
		_, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET status = ?, finished_at = ?, duration_ms = ?, result = ?, error_message = ?
			WHERE id = ? AND status IN ('queued', 'running')`,
			string(status), now, durationMs, nullString(result), nullString(errMsg), executionID)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		return nil
	})
}

// CountRunningInRoom reports how many of a room's task runs are
// currently `running`, backing the per-room concurrency gate.
func (s *Store) CountRunningInRoom(ctx context.Context, roomID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_runs r
		JOIN tasks t ON r.task_id = t.id
		WHERE t.room_id = ? AND r.status = 'running'`, roomID).Scan(&count)
	if err != nil {
		return 0, models.Wrap(models.KindInternal, err)
	}
	return count, nil
}

// GetExecution returns a run by id, or (nil, nil) if absent.
func (s *Store) GetExecution(ctx context.Context, id int64) (*models.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, started_at, finished_at, duration_ms, exit_code, result, error_message,
			result_file, progress, progress_message, session_id, locked_by, locked_until, attempt
		FROM task_runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*models.TaskRun, error) {
	var r models.TaskRun
	var started, finished, lockedUntil sql.NullTime
	var result, errMsg, resultFile, progressMsg, sessionID, lockedBy sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.Status, &started, &finished, &r.DurationMs, &r.ExitCode, &result, &errMsg,
		&resultFile, &r.Progress, &progressMsg, &sessionID, &lockedBy, &lockedUntil, &r.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	r.Result = result.String
	r.ErrorMessage = errMsg.String
	r.ResultFile = resultFile.String
	r.ProgressMessage = progressMsg.String
	r.SessionID = sessionID.String
	r.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		r.LockedUntil = &lockedUntil.Time
	}
	return &r, nil
}

// GetRunningExecutions returns runs currently `running` for a task,
// used to check for overlap when a task disallows concurrent runs.
func (s *Store) GetRunningExecutions(ctx context.Context, taskID int64) ([]*models.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, started_at, finished_at, duration_ms, exit_code, result, error_message,
			result_file, progress, progress_message, session_id, locked_by, locked_until, attempt
		FROM task_runs WHERE task_id = ? AND status = 'running'`, taskID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.TaskRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunRow(rows *sql.Rows) (*models.TaskRun, error) {
	var r models.TaskRun
	var started, finished, lockedUntil sql.NullTime
	var result, errMsg, resultFile, progressMsg, sessionID, lockedBy sql.NullString
	err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &started, &finished, &r.DurationMs, &r.ExitCode, &result, &errMsg,
		&resultFile, &r.Progress, &progressMsg, &sessionID, &lockedBy, &lockedUntil, &r.Attempt)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	r.Result = result.String
	r.ErrorMessage = errMsg.String
	r.ResultFile = resultFile.String
	r.ProgressMessage = progressMsg.String
	r.SessionID = sessionID.String
	r.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		r.LockedUntil = &lockedUntil.Time
	}
	return &r, nil
}

// ListExecutions returns runs for a task matching the given filters.
func (s *Store) ListExecutions(ctx context.Context, taskID int64, opts ListExecutionsOptions) ([]*models.TaskRun, error) {
	q := `SELECT id, task_id, status, started_at, finished_at, duration_ms, exit_code, result, error_message,
		result_file, progress, progress_message, session_id, locked_by, locked_until, attempt
		FROM task_runs WHERE task_id = ?`
	args := []any{taskID}
	if opts.Status != nil {
		q += ` AND status = ?`
		args = append(args, string(*opts.Status))
	}
	if opts.Since != nil {
		q += ` AND created_at >= ?`
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		q += ` AND created_at <= ?`
		args = append(args, *opts.Until)
	}
	q += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.TaskRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupStaleExecutions marks `running` executions older than timeout
// as `timed_out`, returning the count affected.
func (s *Store) CleanupStaleExecutions(ctx context.Context, timeout time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = 'timed_out', finished_at = CURRENT_TIMESTAMP, error_message = 'execution timeout'
		WHERE status = 'running' AND started_at <= datetime('now', ? || ' seconds')`, -int(timeout.Seconds()))
	if err != nil {
		return 0, models.Wrap(models.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AppendConsoleLog inserts the next log line for a run, assigning seq
// as one greater than the current max for that run.
func (s *Store) AppendConsoleLog(ctx context.Context, l *models.ConsoleLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM console_logs WHERE run_id = ?`, l.RunID).Scan(&maxSeq); err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		l.Seq = maxSeq.Int64 + 1
		res, err := tx.ExecContext(ctx, `
			INSERT INTO console_logs(run_id, seq, entry_type, content) VALUES (?, ?, ?, ?)`,
			l.RunID, l.Seq, string(l.EntryType), l.Content)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		l.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM console_logs WHERE id = ?`, id).Scan(&l.CreatedAt)
	})
}

// ListConsoleLogs returns a run's transcript in seq order.
func (s *Store) ListConsoleLogs(ctx context.Context, runID int64) ([]*models.ConsoleLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, entry_type, content, created_at FROM console_logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.ConsoleLog
	for rows.Next() {
		var l models.ConsoleLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.EntryType, &l.Content, &l.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

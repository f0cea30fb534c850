package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one idempotent, ordered schema change. Migrations run in
// Version order inside their own transaction and are recorded in
// schema_version so a migration never runs twice.
type migration struct {
	Version int
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rooms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	objective TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	visibility TEXT NOT NULL DEFAULT 'private',
	queen_id INTEGER,
	config_json TEXT NOT NULL DEFAULT '{}',
	webhook_token TEXT NOT NULL,
	referrer_code TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_webhook_token ON rooms(webhook_token);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER REFERENCES rooms(id) ON DELETE SET NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	model TEXT,
	is_default INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'idle',
	cycle_gap_ms INTEGER NOT NULL DEFAULT 0,
	max_turns INTEGER NOT NULL DEFAULT 0,
	votes_cast INTEGER NOT NULL DEFAULT 0,
	votes_approved INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workers_room ON workers(room_id);

CREATE TABLE IF NOT EXISTS goals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	parent_goal_id INTEGER REFERENCES goals(id) ON DELETE CASCADE,
	description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	progress REAL NOT NULL DEFAULT 0,
	worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_goals_room ON goals(room_id);
CREATE INDEX IF NOT EXISTS idx_goals_parent ON goals(parent_goal_id);

CREATE TABLE IF NOT EXISTS goal_updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	goal_id INTEGER NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
	observation TEXT NOT NULL,
	metric_value REAL,
	worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_goal_updates_goal ON goal_updates(goal_id);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	proposer_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	proposal TEXT NOT NULL,
	type TEXT NOT NULL,
	threshold TEXT NOT NULL,
	min_voters INTEGER NOT NULL DEFAULT 0,
	sealed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'voting',
	result TEXT,
	effective_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_room ON decisions(room_id);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);

CREATE TABLE IF NOT EXISTS votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id INTEGER NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	worker_id INTEGER NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	value TEXT NOT NULL,
	reasoning TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(decision_id, worker_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	cron_expression TEXT,
	scheduled_at TIMESTAMP,
	executor_tag TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	run_count INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	max_runs INTEGER NOT NULL DEFAULT 0,
	session_id TEXT,
	session_continuity INTEGER NOT NULL DEFAULT 0,
	learned_context TEXT,
	timeout_minutes INTEGER NOT NULL DEFAULT 30,
	max_turns INTEGER NOT NULL DEFAULT 0,
	allow_tools TEXT,
	disallow_tools TEXT,
	webhook_token TEXT,
	next_run_at TIMESTAMP,
	last_run_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_trigger ON tasks(status, trigger_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_webhook_token ON tasks(webhook_token) WHERE webhook_token IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'queued',
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	error_message TEXT,
	result_file TEXT,
	progress REAL NOT NULL DEFAULT 0,
	progress_message TEXT,
	session_id TEXT,
	locked_by TEXT,
	locked_until TIMESTAMP,
	attempt INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
CREATE INDEX IF NOT EXISTS idx_task_runs_locked_until ON task_runs(locked_until);

CREATE TABLE IF NOT EXISTS console_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES task_runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(run_id, seq)
);

CREATE TABLE IF NOT EXISTS watches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	action_prompt TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	trigger_count INTEGER NOT NULL DEFAULT 0,
	last_triggered TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_watches_room ON watches(room_id);

CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	category TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entities_room ON entities(room_id);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	source TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
	content, content='observations', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
	INSERT INTO observations_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
	INSERT INTO observations_fts(observations_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_entity_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_entity_id);

CREATE TABLE IF NOT EXISTS wallets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL UNIQUE REFERENCES rooms(id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	encrypted_key BLOB NOT NULL,
	chain_metadata TEXT,
	on_chain_identity TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_id INTEGER NOT NULL REFERENCES wallets(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	counterparty TEXT,
	tx_hash TEXT,
	description TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet ON wallet_transactions(wallet_id);

CREATE TABLE IF NOT EXISTS activity_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	summary TEXT NOT NULL,
	worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	payload_json TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activity_room ON activity_events(room_id);
`,
	},
	{
		Version: 2,
		SQL: `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	from_worker_id INTEGER REFERENCES workers(id) ON DELETE SET NULL,
	to_worker_id INTEGER REFERENCES workers(id) ON DELETE CASCADE,
	body TEXT NOT NULL,
	read_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(to_worker_id, read_at);
`,
	},
}

// migrate applies every migration whose version is not yet recorded in
// schema_version, each inside its own transaction, in ascending order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// recoverStaleRuns promotes any task run still marked `running` at
// startup to `failed`, since no process could still be executing it.
func (s *Store) recoverStaleRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'failed',
		    error_message = 'process restart',
		    finished_at = CURRENT_TIMESTAMP
		WHERE status = 'running'`)
	return err
}

var _ = sql.ErrNoRows

package models

import "time"

// TriggerType names how a task is dispatched.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerOnce    TriggerType = "once"
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
)

// TaskStatus is the lifecycle of a scheduled task definition.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// RunStatus is the lifecycle of a single task execution.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a run's status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunCancelled:
		return true
	default:
		return false
	}
}

// Task is a repeatable unit of delegated work dispatched by the
// scheduler and carried out by the Agent Executor.
type Task struct {
	ID               int64       `json:"id"`
	RoomID           int64       `json:"room_id"`
	WorkerID         *int64      `json:"worker_id,omitempty"`
	Name             string      `json:"name"`
	Prompt           string      `json:"prompt"`
	TriggerType      TriggerType `json:"trigger_type"`
	CronExpression   string      `json:"cron_expression,omitempty"`
	ScheduledAt      *time.Time  `json:"scheduled_at,omitempty"`
	ExecutorTag      string      `json:"executor_tag,omitempty"`
	Status           TaskStatus  `json:"status"`
	RunCount         int         `json:"run_count"`
	ErrorCount       int         `json:"error_count"`
	MaxRuns          int         `json:"max_runs,omitempty"`
	SessionID        string      `json:"session_id,omitempty"`
	SessionContinuity bool       `json:"session_continuity"`
	LearnedContext   string      `json:"learned_context,omitempty"`
	TimeoutMinutes   int         `json:"timeout_minutes"`
	MaxTurns         int         `json:"max_turns,omitempty"`
	AllowTools       []string    `json:"allow_tools,omitempty"`
	DisallowTools    []string    `json:"disallow_tools,omitempty"`
	WebhookToken     string      `json:"webhook_token,omitempty"`
	NextRunAt        *time.Time  `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time  `json:"last_run_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// DefaultTimeoutMinutes is applied when a task omits TimeoutMinutes.
const DefaultTimeoutMinutes = 30

// EffectiveTimeout returns the task's configured timeout, or the
// 30-minute default if unset.
func (t *Task) EffectiveTimeout() time.Duration {
	m := t.TimeoutMinutes
	if m <= 0 {
		m = DefaultTimeoutMinutes
	}
	return time.Duration(m) * time.Minute
}

// TaskRun is one execution instance of a task.
type TaskRun struct {
	ID              int64      `json:"id"`
	TaskID          int64      `json:"task_id"`
	Status          RunStatus  `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMs      int64      `json:"duration_ms,omitempty"`
	ExitCode        int        `json:"exit_code"`
	Result          string     `json:"result,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ResultFile      string     `json:"result_file,omitempty"`
	Progress        float64    `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`

	// LockedBy/LockedUntil implement the distributed-execution-lock
	// pattern: a worker claims a queued run for LockDuration before
	// another poller may acquire it.
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Attempt     int        `json:"attempt"`
}

// LogEntryType categorizes a ConsoleLog row.
type LogEntryType string

const (
	LogStdout      LogEntryType = "stdout"
	LogStderr      LogEntryType = "stderr"
	LogToolCall    LogEntryType = "tool_call"
	LogToolResult  LogEntryType = "tool_result"
	LogAssistant   LogEntryType = "assistant"
	LogSystem      LogEntryType = "system"
)

// ConsoleLog is one streamed line of a task run's transcript.
type ConsoleLog struct {
	ID        int64        `json:"id"`
	RunID     int64        `json:"run_id"`
	Seq       int64        `json:"seq"`
	EntryType LogEntryType `json:"entry_type"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

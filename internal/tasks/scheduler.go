// Package tasks implements the Task Scheduler & Runner: a cron/once/manual
// poll loop over internal/store's Task table, a distributed-lock acquire
// loop for queued TaskRuns, and an Executor contract the Agent Executor
// satisfies to actually carry out a run.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions, matching the "cron_expression" column's
// format on models.Task.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateCron rejects a cron expression the dispatcher could not
// later parse, so bad schedules fail at schedule time rather than at
// the first poll.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return models.NewError(models.KindInvalidInput, "invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// Executor carries out one queued TaskRun against its parent Task.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, run *models.TaskRun) (result string, err error)
}

// SchedulerConfig configures the scheduler's poll/acquire/cleanup cadence.
type SchedulerConfig struct {
	WorkerID        string
	PollInterval    time.Duration
	AcquireInterval time.Duration
	LockDuration    time.Duration
	MaxConcurrency  int
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	Logger          *slog.Logger
}

// DefaultSchedulerConfig returns sane defaults for a single-instance room
// engine; multi-instance deployments should set a distinct WorkerID.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:    1 * time.Second,
		AcquireInterval: 1 * time.Second,
		LockDuration:    10 * time.Minute,
		MaxConcurrency:  5,
		CleanupInterval: 1 * time.Minute,
		StaleTimeout:    30 * time.Minute,
	}
}

// Scheduler polls for due Tasks, materializes queued TaskRuns, and runs
// them through an Executor with distributed-lock-style acquisition so
// multiple scheduler instances can share one Store safely.
type Scheduler struct {
	store    *store.Store
	executor Executor
	config   SchedulerConfig
	logger   *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu       sync.RWMutex
	running  bool
	inflight map[int64]context.CancelFunc
}

// NewScheduler wires a Store and Executor into a Scheduler.
func NewScheduler(s *store.Store, executor Executor, config SchedulerConfig) *Scheduler {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("scheduler-%d", time.Now().UnixNano())
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.AcquireInterval <= 0 {
		config.AcquireInterval = 1 * time.Second
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 10 * time.Minute
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 1 * time.Minute
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = 30 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-scheduler")
	}

	return &Scheduler{
		store:    s,
		executor: executor,
		config:   config,
		logger:   logger,
		sem:      make(chan struct{}, config.MaxConcurrency),
		inflight: make(map[int64]context.CancelFunc),
	}
}

// Start begins the poll, acquire, and cleanup loops. It returns
// immediately; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting task scheduler",
		"worker_id", s.config.WorkerID,
		"poll_interval", s.config.PollInterval,
		"max_concurrency", s.config.MaxConcurrency,
	)

	s.wg.Add(3)
	go s.pollLoop(ctx)
	go s.acquireLoop(ctx)
	go s.cleanupLoop(ctx)

	return nil
}

// Stop cancels all loops and waits for in-flight runs to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping task scheduler", "worker_id", s.config.WorkerID)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the scheduler's loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.pollDueTasks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollDueTasks(ctx)
		}
	}
}

func (s *Scheduler) pollDueTasks(ctx context.Context) {
	now := time.Now()
	due, err := s.store.GetDueTasks(ctx, now, 100)
	if err != nil {
		s.logger.Error("failed to get due tasks", "error", err)
		return
	}
	for _, task := range due {
		if err := s.scheduleTask(ctx, task, now); err != nil {
			s.logger.Error("failed to schedule task", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) scheduleTask(ctx context.Context, task *models.Task, now time.Time) error {
	running, err := s.store.GetRunningExecutions(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("check running executions: %w", err)
	}
	if len(running) > 0 {
		s.logger.Debug("skipping task due to running execution", "task_id", task.ID)
		return s.advanceSchedule(ctx, task, now)
	}

	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	if err := s.store.CreateExecution(ctx, run); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	s.logger.Info("scheduled task run", "task_id", task.ID, "run_id", run.ID)
	return s.advanceSchedule(ctx, task, now)
}

// advanceSchedule computes the task's next run time. A one-shot task
// completes after its single firing; a cron task whose expression no
// longer parses is paused rather than polled forever. Stamping
// LastRunAt here is also what dedupes a cron match within the same
// second — the next poll sees NextRunAt already advanced.
func (s *Scheduler) advanceSchedule(ctx context.Context, task *models.Task, lastRun time.Time) error {
	task.LastRunAt = &lastRun

	if task.TriggerType == models.TriggerOnce {
		task.Status = models.TaskCompleted
		task.NextRunAt = nil
		return s.store.UpdateTask(ctx, task)
	}
	if task.TriggerType != models.TriggerCron {
		task.NextRunAt = nil
		return s.store.UpdateTask(ctx, task)
	}

	next, err := s.calculateNextRun(task.CronExpression, lastRun)
	if err != nil {
		s.logger.Error("invalid schedule, pausing task", "task_id", task.ID, "schedule", task.CronExpression, "error", err)
		task.Status = models.TaskPaused
		return s.store.UpdateTask(ctx, task)
	}
	task.NextRunAt = &next
	if task.MaxRuns > 0 && task.RunCount >= task.MaxRuns {
		task.Status = models.TaskCompleted
		task.NextRunAt = nil
	}
	return s.store.UpdateTask(ctx, task)
}

func (s *Scheduler) calculateNextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule: %w", err)
	}
	return sched.Next(after), nil
}

func (s *Scheduler) acquireLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.AcquireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquireExecution(ctx)
		}
	}
}

func (s *Scheduler) tryAcquireExecution(ctx context.Context) {
	select {
	case s.sem <- struct{}{}:
	default:
		return
	}

	run, err := s.store.AcquireExecution(ctx, s.config.WorkerID, s.config.LockDuration)
	if err != nil {
		<-s.sem
		s.logger.Error("failed to acquire execution", "error", err)
		return
	}
	if run == nil {
		<-s.sem
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.executeRun(ctx, run)
	}()
}

func (s *Scheduler) executeRun(ctx context.Context, run *models.TaskRun) {
	s.logger.Info("executing task run", "run_id", run.ID, "task_id", run.TaskID, "attempt", run.Attempt)

	task, err := s.store.GetTask(ctx, run.TaskID)
	if err != nil || task == nil {
		s.complete(ctx, run, models.RunFailed, "", "task not found")
		return
	}

	if err := s.waitForRoomSlot(ctx, task.RoomID); err != nil {
		s.complete(ctx, run, models.RunCancelled, "", "scheduler shutting down")
		return
	}

	if err := s.store.MarkRunning(ctx, run.ID); err != nil {
		s.logger.Error("failed to mark run running", "run_id", run.ID, "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, task.EffectiveTimeout())
	s.mu.Lock()
	s.inflight[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, run.ID)
		s.mu.Unlock()
		cancel()
	}()

	result, execErr := s.executor.Execute(runCtx, task, run)

	var status models.RunStatus
	var errMsg string
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = models.RunTimedOut
		errMsg = "execution timed out"
	case runCtx.Err() == context.Canceled && ctx.Err() == nil:
		// A targeted CancelRun, not a scheduler shutdown.
		status = models.RunCancelled
		errMsg = "cancelled"
	case execErr != nil:
		status = models.RunFailed
		errMsg = execErr.Error()
	default:
		status = models.RunCompleted
	}

	s.complete(ctx, run, status, result, errMsg)

	switch status {
	case models.RunFailed:
		task.ErrorCount++
		_ = s.store.UpdateTask(ctx, task)
	case models.RunCompleted:
		task.RunCount++
		if task.MaxRuns > 0 && task.RunCount >= task.MaxRuns {
			task.Status = models.TaskCompleted
			task.NextRunAt = nil
		}
		_ = s.store.UpdateTask(ctx, task)
	}
}

// waitForRoomSlot blocks until the room's running-run count is below
// its maxConcurrentTasks cap. The queued run keeps its row; it simply
// does not transition to running until a slot frees.
func (s *Scheduler) waitForRoomSlot(ctx context.Context, roomID int64) error {
	for {
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		cap := 3
		if room != nil && room.Config.MaxConcurrentTasks > 0 {
			cap = room.Config.MaxConcurrentTasks
		}
		running, err := s.store.CountRunningInRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if running < cap {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// CancelRun cancels a queued or running run. An in-flight executor
// call is interrupted via its cancellation handle; a queued run is
// finalized directly. Cancels do not retry.
func (s *Scheduler) CancelRun(ctx context.Context, runID int64) error {
	s.mu.Lock()
	cancel, inflight := s.inflight[runID]
	s.mu.Unlock()
	if inflight {
		cancel()
		return nil
	}
	return s.store.CompleteExecution(ctx, runID, models.RunCancelled, "", "cancelled")
}

func (s *Scheduler) complete(ctx context.Context, run *models.TaskRun, status models.RunStatus, result, errMsg string) {
	if err := s.store.CompleteExecution(ctx, run.ID, status, result, errMsg); err != nil {
		s.logger.Error("failed to complete execution", "run_id", run.ID, "error", err)
		return
	}
	s.logger.Info("completed task run", "run_id", run.ID, "status", status)
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.store.CleanupStaleExecutions(ctx, s.config.StaleTimeout)
			if err != nil {
				s.logger.Error("failed to cleanup stale executions", "error", err)
				continue
			}
			if count > 0 {
				s.logger.Warn("cleaned up stale executions", "count", count)
			}
		}
	}
}

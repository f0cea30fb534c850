package tasks_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/internal/tasks"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), store.Config{Path: filepath.Join(dir, "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRoom(t *testing.T, s *store.Store) int64 {
	t.Helper()
	room := &models.Room{
		Name:       "task-room",
		Objective:  "run scheduled prompts",
		Status:     models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority, CycleGapMs: 5000},
	}
	queen := &models.Worker{Name: "Queen", Role: "queen", SystemPrompt: "coordinate"}
	require.NoError(t, s.CreateRoomWithQueen(context.Background(), room, queen))
	return room.ID
}

type fakeExecutor struct {
	result string
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, task *models.Task, run *models.TaskRun) (string, error) {
	f.calls++
	return f.result, f.err
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := tasks.DefaultSchedulerConfig()
	require.Equal(t, 1*time.Second, cfg.PollInterval)
	require.Equal(t, 1*time.Second, cfg.AcquireInterval)
	require.Equal(t, 10*time.Minute, cfg.LockDuration)
	require.Equal(t, 5, cfg.MaxConcurrency)
	require.Equal(t, 1*time.Minute, cfg.CleanupInterval)
	require.Equal(t, 30*time.Minute, cfg.StaleTimeout)
}

func TestScheduler_StartStop(t *testing.T) {
	s := openTestStore(t)
	exec := &fakeExecutor{result: "done"}
	sched := tasks.NewScheduler(s, exec, tasks.SchedulerConfig{
		PollInterval:    10 * time.Millisecond,
		AcquireInterval: 10 * time.Millisecond,
		CleanupInterval: 50 * time.Millisecond,
	})

	require.NoError(t, sched.Start(context.Background()))
	require.True(t, sched.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
	require.False(t, sched.IsRunning())
}

func TestScheduler_ExecutesDueOnceTask(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	task := &models.Task{
		RoomID:      roomID,
		Name:        "one-shot",
		Prompt:      "say hello",
		TriggerType: models.TriggerOnce,
		NextRunAt:   &past,
		Status:      models.TaskActive,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	exec := &fakeExecutor{result: "hello back"}
	sched := tasks.NewScheduler(s, exec, tasks.SchedulerConfig{
		PollInterval:    10 * time.Millisecond,
		AcquireInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
		StaleTimeout:    time.Hour,
	})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(context.Background())

	require.Eventually(t, func() bool {
		return exec.calls > 0
	}, 2*time.Second, 10*time.Millisecond)

	updated, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, updated.Status)
}

// blockingExecutor holds every Execute until released.
type blockingExecutor struct {
	started chan int64
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, task *models.Task, run *models.TaskRun) (string, error) {
	b.started <- run.ID
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestScheduler_RoomConcurrencyCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{
		Name: "capped", Objective: "x", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config: models.RoomConfig{
			QuorumThreshold:    models.ThresholdMajority,
			MaxConcurrentTasks: 1,
		},
	}
	queen := &models.Worker{Name: "Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	for i := 0; i < 2; i++ {
		task := &models.Task{
			RoomID: room.ID, Name: "t", Prompt: "p",
			TriggerType: models.TriggerManual, Status: models.TaskActive,
		}
		require.NoError(t, s.CreateTask(ctx, task))
		run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
		require.NoError(t, s.CreateExecution(ctx, run))
	}

	exec := &blockingExecutor{started: make(chan int64, 2), release: make(chan struct{})}
	sched := tasks.NewScheduler(s, exec, tasks.SchedulerConfig{
		PollInterval:    time.Hour, // runs are pre-queued; only the acquire loop matters
		AcquireInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	require.NoError(t, sched.Start(ctx))
	defer func() {
		close(exec.release)
		sched.Stop(context.Background())
	}()

	// First run starts; the second must hold at the room gate.
	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}
	select {
	case id := <-exec.started:
		t.Fatalf("second run %d started despite cap 1", id)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestScheduler_CancelQueuedRun(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID: roomID, Name: "c", Prompt: "p",
		TriggerType: models.TriggerManual, Status: models.TaskActive,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	sched := tasks.NewScheduler(s, &fakeExecutor{}, tasks.SchedulerConfig{})
	require.NoError(t, sched.CancelRun(ctx, run.ID))

	got, err := s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCancelled, got.Status)

	// Terminal statuses never reopen.
	require.NoError(t, s.CompleteExecution(ctx, run.ID, models.RunCompleted, "late", ""))
	got, err = s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCancelled, got.Status)
}

func TestScheduler_MaxRunsCompletesTask(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID: roomID, Name: "limited", Prompt: "p",
		TriggerType:    models.TriggerCron,
		CronExpression: "* * * * *",
		Status:         models.TaskActive,
		MaxRuns:        1,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	exec := &fakeExecutor{result: "ok"}
	sched := tasks.NewScheduler(s, exec, tasks.SchedulerConfig{
		PollInterval:    time.Hour,
		AcquireInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(context.Background())

	require.Eventually(t, func() bool {
		updated, err := s.GetTask(ctx, task.ID)
		return err == nil && updated.Status == models.TaskCompleted && updated.RunCount == 1
	}, 2*time.Second, 20*time.Millisecond)
}

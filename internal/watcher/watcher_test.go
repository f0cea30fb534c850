package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func newWatcherFixture(t *testing.T) (*Service, *store.Store, *models.Room, string) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	room := &models.Room{
		Name: "w", Objective: "watch files", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority},
	}
	queen := &models.Worker{Name: "w Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	svc := New(s, nil, nil)
	t.Cleanup(svc.Stop)

	watchDir := filepath.Join(os.TempDir(), "quoroom-watch-test", t.Name())
	require.NoError(t, os.MkdirAll(watchDir, 0o755))
	t.Cleanup(func() { os.RemoveAll(watchDir) })
	return svc, s, room, watchDir
}

func TestValidatePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.NoError(t, ValidatePath(filepath.Join(home, "projects")))
	require.NoError(t, ValidatePath(filepath.Join(os.TempDir(), "scratch")))

	for _, p := range []string{"/etc/passwd", "/sys/kernel", "/usr/bin", "", "/var/log"} {
		err := ValidatePath(p)
		require.Error(t, err, p)
		require.True(t, models.Is(err, models.KindInvalidInput), p)
	}
}

func TestWatchDispatchesDebouncedRun(t *testing.T) {
	svc, s, room, dir := newWatcherFixture(t)
	ctx := context.Background()

	watch := &models.Watch{RoomID: room.ID, Path: dir, ActionPrompt: "summarize the change", Status: models.WatchActive}
	require.NoError(t, s.CreateWatch(ctx, watch))
	require.NoError(t, svc.Add(ctx, watch))

	// A burst of writes coalesces into one run.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	var tasks []*models.Task
	for time.Now().Before(deadline) {
		active := models.TaskActive
		tasks, _ = s.ListTasks(ctx, store.ListTasksOptions{RoomID: room.ID, Status: &active})
		if len(tasks) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.Len(t, tasks, 1, "one synthetic task per watch")

	runs, err := s.ListExecutions(ctx, tasks[0].ID, store.ListExecutionsOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1, "burst must debounce to a single run")

	got, err := s.GetWatch(ctx, watch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.TriggerCount)
}

func TestPausedWatchIgnoresEvents(t *testing.T) {
	svc, s, room, dir := newWatcherFixture(t)
	ctx := context.Background()

	watch := &models.Watch{RoomID: room.ID, Path: dir, ActionPrompt: "x", Status: models.WatchActive}
	require.NoError(t, s.CreateWatch(ctx, watch))
	require.NoError(t, svc.Add(ctx, watch))
	require.NoError(t, s.SetWatchStatus(ctx, watch.ID, models.WatchPaused))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v"), 0o644))
	time.Sleep(500 * time.Millisecond)

	active := models.TaskActive
	tasks, err := s.ListTasks(ctx, store.ListTasksOptions{RoomID: room.ID, Status: &active})
	require.NoError(t, err)
	require.Empty(t, tasks, "paused watch must not dispatch")
}

func TestAddRejectsInvalidPath(t *testing.T) {
	svc, _, room, _ := newWatcherFixture(t)
	err := svc.Add(context.Background(), &models.Watch{RoomID: room.ID, Path: "/etc", Status: models.WatchActive})
	require.Error(t, err)
}

func TestAddIsIdempotent(t *testing.T) {
	svc, s, room, dir := newWatcherFixture(t)
	ctx := context.Background()

	watch := &models.Watch{RoomID: room.ID, Path: dir, ActionPrompt: "x", Status: models.WatchActive}
	require.NoError(t, s.CreateWatch(ctx, watch))
	require.NoError(t, svc.Add(ctx, watch))
	require.NoError(t, svc.Add(ctx, watch))
	svc.Remove(watch.ID)
}

package agentloop

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/nudge"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// scriptedProvider completes every request with fixed text and counts
// invocations.
type scriptedProvider struct {
	calls atomic.Int32
	fail  bool
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool   { return true }
func (p *scriptedProvider) Models() []agent.Model { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls.Add(1)
	ch := make(chan *agent.CompletionChunk, 2)
	if p.fail {
		ch <- &agent.CompletionChunk{Err: context.DeadlineExceeded}
	} else {
		ch <- &agent.CompletionChunk{Text: "noted, standing by"}
		ch <- &agent.CompletionChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func newLoopFixture(t *testing.T, provider agent.LLMProvider) (*Manager, *store.Store, *models.Room, *models.Worker) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	room := &models.Room{
		Name: "r", Objective: "ship", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority, CycleGapMs: 1000},
	}
	queen := &models.Worker{Name: "r Queen", Role: "queen", SystemPrompt: "coordinate"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	runner := agent.NewRunner(provider, agent.NewExecutor(agent.NewToolRegistry(), nil))
	m := NewManager(Config{
		Store:  s,
		Runner: runner,
		Tools: func(context.Context, *models.Room, *models.Worker) (*agent.ToolRegistry, error) {
			return agent.NewToolRegistry(), nil
		},
		Nudges: nudge.NewRegistry(),
		Events: eventbus.New(),
	})
	return m, s, room, queen
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoopRunsCycleAndRecordsActivity(t *testing.T) {
	provider := &scriptedProvider{}
	m, s, room, queen := newLoopFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	waitFor(t, 5*time.Second, func() bool { return provider.calls.Load() >= 1 })

	waitFor(t, 2*time.Second, func() bool {
		events, err := s.ListActivity(ctx, room.ID, 10)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.EventType == "cycle.completed" {
				return true
			}
		}
		return false
	})

	m.StopWorker(queen.ID)
	require.False(t, m.IsRunning(queen.ID))

	w, err := s.GetWorker(ctx, queen.ID)
	require.NoError(t, err)
	require.Equal(t, models.AgentIdle, w.State)
}

func TestStartWorkerIdempotent(t *testing.T) {
	provider := &scriptedProvider{}
	m, _, room, queen := newLoopFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	require.True(t, m.IsRunning(queen.ID))

	m.StopAll()
	require.False(t, m.IsRunning(queen.ID))
}

func TestStartWorkerRejectsForeignRoom(t *testing.T) {
	provider := &scriptedProvider{}
	m, s, room, _ := newLoopFixture(t, provider)
	ctx := context.Background()

	other := &models.Room{
		Name: "other", Objective: "x", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority},
	}
	otherQueen := &models.Worker{Name: "other Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, other, otherQueen))

	err := m.StartWorker(ctx, room.ID, otherQueen.ID)
	require.True(t, models.Is(err, models.KindScope))
}

func TestLoopStopsWhenRoomPaused(t *testing.T) {
	provider := &scriptedProvider{}
	m, s, room, queen := newLoopFixture(t, provider)
	ctx := context.Background()

	room.Status = models.RoomPaused
	require.NoError(t, s.UpdateRoom(ctx, room))

	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	waitFor(t, 2*time.Second, func() bool { return !m.IsRunning(queen.ID) })
	require.Zero(t, provider.calls.Load())
}

func TestQuietHoursSkipCycle(t *testing.T) {
	provider := &scriptedProvider{}
	m, s, room, queen := newLoopFixture(t, provider)
	ctx := context.Background()

	// A window from two hours before now to two hours after guarantees
	// the tick lands inside it.
	now := time.Now()
	from := now.Add(-2 * time.Hour).Format("15:04")
	until := now.Add(2 * time.Hour).Format("15:04")
	room.Config.QuietFrom = from
	room.Config.QuietUntil = until
	require.NoError(t, s.UpdateRoom(ctx, room))

	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	waitFor(t, 3*time.Second, func() bool {
		events, err := s.ListActivity(ctx, room.ID, 10)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.EventType == "cycle.skipped" {
				return true
			}
		}
		return false
	})
	m.StopAll()
	require.Zero(t, provider.calls.Load(), "executor must not be called during quiet hours")
}

func TestExecutorFailureBacksOff(t *testing.T) {
	provider := &scriptedProvider{fail: true}
	m, s, room, queen := newLoopFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, m.StartWorker(ctx, room.ID, queen.ID))
	waitFor(t, 5*time.Second, func() bool {
		events, err := s.ListActivity(ctx, room.ID, 10)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.EventType == "cycle.failed" {
				return true
			}
		}
		return false
	})
	m.StopAll()
	require.GreaterOrEqual(t, provider.calls.Load(), int32(1))
}

package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/nudge"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// maxBackoffMultiplier caps the rate-limit backoff applied to the
// cycle gap after consecutive executor failures.
const maxBackoffMultiplier = 64

// ToolsBuilder constructs the tool registry one worker's cycle runs
// with. Built fresh each cycle so tool scope follows configuration
// changes (a promoted worker gains Queen tools next cycle).
type ToolsBuilder func(ctx context.Context, room *models.Room, worker *models.Worker) (*agent.ToolRegistry, error)

// Config wires a Manager's collaborators.
type Config struct {
	Store  *store.Store
	Runner *agent.Runner
	Tools  ToolsBuilder
	Nudges *nudge.Registry
	Events *eventbus.Bus
	Logger *slog.Logger

	// Registry receives the loop's Prometheus collectors; nil skips
	// metric registration.
	Registry prometheus.Registerer
}

// Manager owns every running worker loop, keyed by worker id. Starting
// a worker that is already running is a no-op; stopping one cancels
// its in-flight Executor call and leaves the worker row idle.
type Manager struct {
	store  *store.Store
	runner *agent.Runner
	tools  ToolsBuilder
	nudges *nudge.Registry
	events *eventbus.Bus
	logger *slog.Logger
	tracer trace.Tracer

	cycles  *prometheus.CounterVec
	running prometheus.Gauge

	mu    sync.Mutex
	loops map[int64]*loopHandle
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "agentloop")
	}
	m := &Manager{
		store:  cfg.Store,
		runner: cfg.Runner,
		tools:  cfg.Tools,
		nudges: cfg.Nudges,
		events: cfg.Events,
		logger: logger,
		tracer: otel.Tracer("quoroom/agentloop"),
		loops:  make(map[int64]*loopHandle),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoroom_agent_cycles_total",
			Help: "Agent loop cycles by outcome.",
		}, []string{"outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoroom_agent_loops_running",
			Help: "Worker loops currently running.",
		}),
	}
	if cfg.Registry != nil {
		cfg.Registry.MustRegister(m.cycles, m.running)
	}
	return m
}

// StartWorker begins a worker's cycle loop. Idempotent: a second start
// for a running worker returns nil without spawning anything.
func (m *Manager) StartWorker(ctx context.Context, roomID, workerID int64) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return models.NewError(models.KindNotFound, "room %d", roomID)
	}
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker == nil {
		return models.NewError(models.KindNotFound, "worker %d", workerID)
	}
	if worker.RoomID == nil || *worker.RoomID != roomID {
		return models.NewError(models.KindScope, "worker %d does not belong to room %d", workerID, roomID)
	}

	m.mu.Lock()
	if _, ok := m.loops[workerID]; ok {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	m.loops[workerID] = handle
	m.mu.Unlock()

	m.running.Inc()
	go m.run(loopCtx, handle, roomID, workerID)
	return nil
}

// StartRoom starts a loop for every worker attached to an active room.
func (m *Manager) StartRoom(ctx context.Context, roomID int64) error {
	workers, err := m.store.ListWorkersByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if err := m.StartWorker(ctx, roomID, w.ID); err != nil {
			return err
		}
	}
	return nil
}

// StopWorker cancels a worker's loop and waits for it to unwind. A
// stop for a worker that is not running is a no-op.
func (m *Manager) StopWorker(workerID int64) {
	m.mu.Lock()
	handle, ok := m.loops[workerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
	<-handle.done
}

// StopRoom stops every running loop whose worker belongs to roomID.
func (m *Manager) StopRoom(ctx context.Context, roomID int64) {
	workers, err := m.store.ListWorkersByRoom(ctx, roomID)
	if err != nil {
		m.logger.Warn("stop room: list workers", "room_id", roomID, "error", err)
		return
	}
	for _, w := range workers {
		m.StopWorker(w.ID)
	}
}

// StopAll cancels every running loop, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*loopHandle, 0, len(m.loops))
	for _, h := range m.loops {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

// IsRunning reports whether the worker currently has a live loop.
func (m *Manager) IsRunning(workerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[workerID]
	return ok
}

// run is one worker's cycle loop. Consecutive executor failures double
// the effective cycle gap up to 64x; the first success resets it.
func (m *Manager) run(ctx context.Context, handle *loopHandle, roomID, workerID int64) {
	defer func() {
		m.mu.Lock()
		delete(m.loops, workerID)
		m.mu.Unlock()
		m.running.Dec()
		// Leave the worker idle regardless of how the loop ended.
		idleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpdateWorkerState(idleCtx, workerID, models.AgentIdle); err != nil {
			m.logger.Warn("reset worker state", "worker_id", workerID, "error", err)
		}
		close(handle.done)
	}()

	backoff := 1
	lastWIP := ""

	for {
		if ctx.Err() != nil {
			return
		}

		room, err := m.store.GetRoom(ctx, roomID)
		if err != nil || room == nil || room.Status != models.RoomActive {
			return
		}
		worker, err := m.store.GetWorker(ctx, workerID)
		if err != nil || worker == nil {
			return
		}

		gap := worker.EffectiveCycleGap(room.Config.CycleGapMs)

		quiet := QuietWindowFor(room.Config)
		if quiet != nil && quiet.Contains(time.Now()) {
			m.recordActivity(ctx, room.ID, workerID, "cycle.skipped",
				fmt.Sprintf("quiet hours %s..%s", quiet.From, quiet.Until), nil)
			m.cycles.WithLabelValues("skipped").Inc()
			if !m.sleep(ctx, gap, workerID) {
				return
			}
			continue
		}

		ok := m.cycle(ctx, room, worker, &lastWIP)
		if ok {
			backoff = 1
		} else if backoff < maxBackoffMultiplier {
			backoff *= 2
		}

		if !m.sleep(ctx, gap*time.Duration(backoff), workerID) {
			return
		}
	}
}

// cycle runs one envelope-build/execute/apply round. Returns false on
// executor failure so the caller can back off.
func (m *Manager) cycle(ctx context.Context, room *models.Room, worker *models.Worker, lastWIP *string) bool {
	cycleCtx, span := m.tracer.Start(ctx, "agentloop.cycle", trace.WithAttributes(
		attribute.Int64("room.id", room.ID),
		attribute.Int64("worker.id", worker.ID),
	))
	defer span.End()

	m.setState(cycleCtx, worker.ID, models.AgentThinking)

	env, err := buildEnvelope(cycleCtx, m.store, room, worker, *lastWIP)
	if err != nil {
		m.logger.Warn("build envelope", "worker_id", worker.ID, "error", err)
		m.cycles.WithLabelValues("failed").Inc()
		m.setState(cycleCtx, worker.ID, models.AgentWaiting)
		return false
	}

	registry, err := m.tools(cycleCtx, room, worker)
	if err != nil {
		m.logger.Warn("build tools", "worker_id", worker.ID, "error", err)
		m.cycles.WithLabelValues("failed").Inc()
		m.setState(cycleCtx, worker.ID, models.AgentWaiting)
		return false
	}

	m.setState(cycleCtx, worker.ID, models.AgentActing)

	res, err := m.runner.Run(cycleCtx, &agent.RunRequest{
		Model:        worker.Model,
		Prompt:       env.Render(),
		SystemPrompt: worker.SystemPrompt,
		Tools:        registry,
		MaxTurns:     worker.EffectiveMaxTurns(room.Config.MaxTurnsPerCycle),
	})
	if err != nil {
		m.logger.Warn("executor", "worker_id", worker.ID, "error", err)
		m.recordActivity(cycleCtx, room.ID, worker.ID, "cycle.failed", err.Error(), nil)
		m.cycles.WithLabelValues("failed").Inc()
		m.setState(cycleCtx, worker.ID, models.AgentWaiting)
		return false
	}

	*lastWIP = res.Text
	if err := m.store.MarkMessagesRead(cycleCtx, env.messageIDs); err != nil {
		m.logger.Warn("mark messages read", "worker_id", worker.ID, "error", err)
	}

	summary := res.Text
	if len(summary) > 200 {
		summary = summary[:200]
	}
	m.recordActivity(cycleCtx, room.ID, worker.ID, "cycle.completed", summary, map[string]any{
		"tool_calls":  len(res.ToolCalls),
		"duration_ms": res.DurationMs,
	})
	m.cycles.WithLabelValues("completed").Inc()
	m.setState(cycleCtx, worker.ID, models.AgentWaiting)
	return true
}

// sleep waits out the cycle gap, returning early on a nudge. Returns
// false when the loop context is cancelled.
func (m *Manager) sleep(ctx context.Context, gap time.Duration, workerID int64) bool {
	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.nudges.For(workerID):
		return true
	}
}

func (m *Manager) setState(ctx context.Context, workerID int64, state models.AgentState) {
	if err := m.store.UpdateWorkerState(ctx, workerID, state); err != nil {
		m.logger.Warn("update worker state", "worker_id", workerID, "error", err)
	}
}

func (m *Manager) recordActivity(ctx context.Context, roomID, workerID int64, eventType, summary string, payload map[string]any) {
	w := workerID
	e := &models.ActivityEvent{
		RoomID:    roomID,
		EventType: eventType,
		Summary:   summary,
		WorkerID:  &w,
		Payload:   payload,
	}
	if err := m.store.RecordActivity(ctx, e); err != nil {
		m.logger.Warn("record activity", "room_id", roomID, "error", err)
		return
	}
	if m.events != nil {
		m.events.Publish(e)
	}
}

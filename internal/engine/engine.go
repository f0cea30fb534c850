// Package engine wires every component into one running process: the
// store, the per-worker agent loops, the task scheduler, the file
// watcher, the webhook receiver, the quorum timers, and the local
// HTTP surface. One Engine owns one data directory.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/agentloop"
	"github.com/quoroom-dev/quoroom/internal/audit"
	"github.com/quoroom-dev/quoroom/internal/browser"
	"github.com/quoroom-dev/quoroom/internal/cloud"
	"github.com/quoroom-dev/quoroom/internal/config"
	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/goal"
	"github.com/quoroom-dev/quoroom/internal/memory"
	"github.com/quoroom-dev/quoroom/internal/nudge"
	"github.com/quoroom-dev/quoroom/internal/quorum"
	"github.com/quoroom-dev/quoroom/internal/ratelimit"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/internal/tasks"
	"github.com/quoroom-dev/quoroom/internal/tools"
	"github.com/quoroom-dev/quoroom/internal/wallet"
	"github.com/quoroom-dev/quoroom/internal/watcher"
	"github.com/quoroom-dev/quoroom/internal/web"
	"github.com/quoroom-dev/quoroom/internal/webhook"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// defaultQueenPrompt seeds a new room's Queen.
const defaultQueenPrompt = `You are the Queen of this room: its strategic coordinator.
Decompose the objective into goals, delegate recurring work as tasks,
propose decisions that need the room's consent, and keep the keeper
informed of anything that needs a human.`

// Engine is the assembled process.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	journal   *audit.Journal
	bus       *eventbus.Bus
	nudges    *nudge.Registry
	goals     *goal.Tree
	quorum    *quorum.Engine
	wallet    *wallet.Service
	recall    *memory.Recall
	cloud     cloud.Client
	loops     *agentloop.Manager
	scheduler *tasks.Scheduler
	watcher   *watcher.Service
	updates   *updateChecker
	metrics   *prometheus.Registry

	httpServer   *http.Server
	cancel       context.CancelFunc
	stopTracing  func(context.Context) error
}

// New assembles an Engine from cfg. Nothing starts running until
// Start.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ResultsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create results dir: %w", err)
	}

	st, err := store.Open(ctx, store.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, err
	}

	journal, err := audit.NewJournal(audit.Config{
		Enabled: true,
		Level:   audit.Level(cfg.Logging.Level),
		Output:  "file:" + filepath.Join(cfg.DataDir(), "journal.log"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		st.Close()
		journal.Close()
		return nil, err
	}

	bus := eventbus.New()
	nudges := nudge.NewRegistry()
	goals := goal.New(st)
	quorumEngine := quorum.New(st)

	var chain wallet.ChainClient
	if cfg.Wallet.RPCURL != "" {
		tokens := make([]wallet.TokenInfo, 0, len(cfg.Wallet.Tokens))
		for _, t := range cfg.Wallet.Tokens {
			tokens = append(tokens, wallet.TokenInfo{
				Network: t.Network, Token: t.Token, Address: t.Address, Decimals: t.Decimals,
			})
		}
		chain = wallet.NewRPCClient(cfg.Wallet.RPCURL, cfg.Wallet.RPCTimeout, tokens)
	}
	walletSvc := wallet.New(st, chain)

	recall := memory.New(st, nil)
	cloudClient := cloud.New(cloud.Config{
		APIBase: cfg.Cloud.APIBase,
		Token:   cfg.Cloud.Token,
		Logger:  logger,
	})

	deps := &tools.Deps{
		Store:        st,
		Goals:        goals,
		Quorum:       quorumEngine,
		Wallet:       walletSvc,
		Memory:       recall,
		Nudge:        nudges,
		Events:       bus,
		Web:          web.New(web.Config{}),
		Browser:      browser.NewPlaywright(),
		WalletSecret: cfg.Wallet.Secret,
	}
	if cloudClient != nil {
		deps.Keeper = cloudClient
	}

	runner := agent.NewRunner(provider, agent.NewExecutor(agent.NewToolRegistry(), nil))
	metrics := prometheus.NewRegistry()

	loops := agentloop.NewManager(agentloop.Config{
		Store:  st,
		Runner: runner,
		Tools: func(ctx context.Context, room *models.Room, worker *models.Worker) (*agent.ToolRegistry, error) {
			return tools.Build(deps, room, worker), nil
		},
		Nudges:   nudges,
		Events:   bus,
		Logger:   logger,
		Registry: metrics,
	})

	taskExecutor := tasks.NewAgentExecutor(st, runner, func(ctx context.Context, task *models.Task) (*agent.ToolRegistry, error) {
		room, err := st.GetRoom(ctx, task.RoomID)
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, models.NewError(models.KindNotFound, "room %d", task.RoomID)
		}
		workerID := room.QueenID
		if task.WorkerID != nil {
			workerID = *task.WorkerID
		}
		worker, err := st.GetWorker(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if worker == nil {
			return nil, models.NewError(models.KindNotFound, "worker %d", workerID)
		}
		return tools.Build(deps, room, worker), nil
	}, cfg.LLM.Model, logger)

	scheduler := tasks.NewScheduler(st, taskExecutor, tasks.SchedulerConfig{
		WorkerID:        "engine-" + uuid.NewString()[:8],
		PollInterval:    cfg.Scheduler.PollInterval,
		AcquireInterval: cfg.Scheduler.AcquireInterval,
		MaxConcurrency:  cfg.Scheduler.MaxConcurrency,
		StaleTimeout:    cfg.Scheduler.StaleTimeout,
		Logger:          logger,
	})

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		journal:   journal,
		bus:       bus,
		nudges:    nudges,
		goals:     goals,
		quorum:    quorumEngine,
		wallet:    walletSvc,
		recall:    recall,
		cloud:     cloudClient,
		loops:     loops,
		scheduler: scheduler,
		watcher:   watcher.New(st, bus, logger),
		updates:   newUpdateChecker(cfg.Cloud.UpdateSourceURL, cfg.Cloud.UpdateSourceToken, logger),
		metrics:   metrics,
	}, nil
}

// Start brings every subsystem up: scheduler, file watcher, webhook
// HTTP surface, quorum timers, update checker, and one agent loop per
// worker of every active room.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.stopTracing = setupTracing(runCtx, e.logger)

	if err := e.scheduler.Start(runCtx); err != nil {
		return err
	}
	if err := e.watcher.Start(runCtx); err != nil {
		e.logger.Warn("file watcher", "error", err)
	}
	if err := e.startHTTP(runCtx); err != nil {
		return err
	}

	go e.quorumTimers(runCtx)
	go e.reconcileLoops(runCtx)
	go e.updates.run(runCtx)

	active := models.RoomActive
	rooms, err := e.store.ListRooms(runCtx, &active)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := e.loops.StartRoom(runCtx, room.ID); err != nil {
			e.logger.Warn("start room loops", "room_id", room.ID, "error", err)
		}
	}

	e.journal.Log(&audit.Event{Type: audit.EventEngineStarted, Summary: fmt.Sprintf("%d active rooms", len(rooms))})
	return nil
}

// Shutdown stops every subsystem and releases the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.loops.StopAll()
	e.watcher.Stop()
	_ = e.scheduler.Stop(ctx)
	if e.httpServer != nil {
		_ = e.httpServer.Shutdown(ctx)
	}
	if e.stopTracing != nil {
		_ = e.stopTracing(ctx)
	}
	e.journal.Log(&audit.Event{Type: audit.EventEngineStopped})
	_ = e.journal.Close()
	return e.store.Close()
}

// CreateRoom births a collective: the room row, its Queen, the root
// goal, the wallet (when a custody secret is configured), and the
// opening activity entry — one transaction for the room+queen pair,
// then the dependents.
func (e *Engine) CreateRoom(ctx context.Context, name, objective string, visibility models.Visibility) (*models.Room, error) {
	if name == "" || objective == "" {
		return nil, models.NewError(models.KindInvalidInput, "room name and objective are required")
	}
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}

	room := &models.Room{
		Name:       name,
		Objective:  objective,
		Status:     models.RoomActive,
		Visibility: visibility,
		Config: models.RoomConfig{
			QuorumThreshold:    models.QuorumThreshold(e.cfg.Rooms.QuorumThreshold),
			VoteTimeout:        e.cfg.Rooms.VoteTimeout,
			CycleGapMs:         e.cfg.Rooms.CycleGapMs,
			MaxTurnsPerCycle:   e.cfg.Rooms.MaxTurnsPerCycle,
			MaxConcurrentTasks: e.cfg.Rooms.MaxConcurrentTasks,
			QuietFrom:          e.cfg.Rooms.QuietFrom,
			QuietUntil:         e.cfg.Rooms.QuietUntil,
			AutonomyMode:       models.AutonomyMode(e.cfg.Rooms.AutonomyMode),
			TieBreak:           models.TieBreakExpire,
		},
	}
	queen := &models.Worker{
		Name:         name + " Queen",
		Role:         "queen",
		SystemPrompt: defaultQueenPrompt,
		Model:        e.cfg.LLM.Model,
	}
	if err := e.store.CreateRoomWithQueen(ctx, room, queen); err != nil {
		return nil, err
	}

	if _, err := e.goals.SetObjective(ctx, room.ID, objective); err != nil {
		return nil, err
	}

	if e.cfg.Wallet.Secret != "" {
		if _, err := e.wallet.CreateRoomWallet(ctx, room.ID, e.cfg.Wallet.Secret); err != nil && !models.Is(err, models.KindAlreadyExists) {
			return nil, err
		}
	}

	event := &models.ActivityEvent{
		RoomID:    room.ID,
		EventType: "system",
		Summary:   fmt.Sprintf("room %q created with objective %q", name, objective),
	}
	if err := e.store.RecordActivity(ctx, event); err == nil {
		e.bus.Publish(event)
	}
	e.journal.Log(&audit.Event{Type: audit.EventRoomCreated, RoomID: room.ID, Summary: name})

	if visibility == models.VisibilityPublic && e.cloud != nil {
		if token, err := e.cloud.RegisterRoom(ctx, name, objective, room.ReferrerCode); err == nil {
			e.saveCloudRoomToken(room.ID, token)
		}
	}

	return room, nil
}

// StartRoom resumes an existing room's loops (and flips it active).
func (e *Engine) StartRoom(ctx context.Context, roomID int64) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return models.NewError(models.KindNotFound, "room %d", roomID)
	}
	if room.Status != models.RoomActive {
		room.Status = models.RoomActive
		if err := e.store.UpdateRoom(ctx, room); err != nil {
			return err
		}
	}
	return e.loops.StartRoom(ctx, roomID)
}

// PauseRoom stops a room's loops and marks it paused. Pausing an
// already paused room succeeds and leaves it paused.
func (e *Engine) PauseRoom(ctx context.Context, roomID int64) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return models.NewError(models.KindNotFound, "room %d", roomID)
	}
	if room.Status != models.RoomPaused {
		room.Status = models.RoomPaused
		if err := e.store.UpdateRoom(ctx, room); err != nil {
			return err
		}
	}
	e.loops.StopRoom(ctx, roomID)
	e.journal.Log(&audit.Event{Type: audit.EventRoomPaused, RoomID: roomID})
	return nil
}

// StopRoom halts a room permanently (status stopped, loops cancelled).
func (e *Engine) StopRoom(ctx context.Context, roomID int64) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return models.NewError(models.KindNotFound, "room %d", roomID)
	}
	room.Status = models.RoomStopped
	if err := e.store.UpdateRoom(ctx, room); err != nil {
		return err
	}
	e.loops.StopRoom(ctx, roomID)
	e.journal.Log(&audit.Event{Type: audit.EventRoomStopped, RoomID: roomID})
	return nil
}

// DeleteWorker removes a worker: its loop stops, referencing tasks
// and goals detach (worker_id set to NULL), and every decision still
// voting in its room is re-tallied — the eligible voter pool just
// shrank, so a decision that was one ballot short may now resolve.
// The room's Queen cannot be deleted.
func (e *Engine) DeleteWorker(ctx context.Context, workerID int64) error {
	w, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return models.NewError(models.KindNotFound, "worker %d", workerID)
	}
	if w.RoomID != nil {
		room, err := e.store.GetRoom(ctx, *w.RoomID)
		if err != nil {
			return err
		}
		if room != nil && room.QueenID == workerID {
			return models.NewError(models.KindInvalidState, "cannot delete room %d's queen", room.ID)
		}
	}

	e.loops.StopWorker(workerID)
	e.nudges.Remove(workerID)
	if err := e.store.DeleteWorker(ctx, workerID); err != nil {
		return err
	}

	if w.RoomID != nil {
		roomID := *w.RoomID
		open, err := e.store.VotingDecisionsForRoom(ctx, roomID)
		if err != nil {
			e.logger.Warn("list open decisions after worker deletion", "room_id", roomID, "error", err)
		}
		for _, d := range open {
			tallied, err := e.quorum.Retally(ctx, d.ID)
			if err != nil {
				e.logger.Warn("retally after worker deletion", "decision_id", d.ID, "error", err)
				continue
			}
			if tallied.Status != models.DecisionVoting {
				e.journal.DecisionResolved(roomID, tallied.ID, string(tallied.Status), tallied.Result)
			}
		}

		event := &models.ActivityEvent{
			RoomID:    roomID,
			EventType: "worker.deleted",
			Summary:   fmt.Sprintf("worker %q removed", w.Name),
			Payload:   map[string]any{"worker_id": workerID},
		}
		if err := e.store.RecordActivity(ctx, event); err == nil {
			e.bus.Publish(event)
		}
	}
	return nil
}

// Store exposes the underlying store for the CLI's read paths.
func (e *Engine) Store() *store.Store { return e.store }

// reconcileLoops periodically re-starts loops for every worker of
// every active room. StartWorker is idempotent, so this is how a
// worker created mid-flight (by the Queen's create_worker) picks up
// its own loop.
func (e *Engine) reconcileLoops(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := models.RoomActive
			rooms, err := e.store.ListRooms(ctx, &active)
			if err != nil {
				continue
			}
			for _, room := range rooms {
				_ = e.loops.StartRoom(ctx, room.ID)
			}
		}
	}
}

// quorumTimers drives the decision state machine's clock: expiring
// voting decisions past their timeout and promoting announced
// decisions whose objection window elapsed.
func (e *Engine) quorumTimers(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	timeout := int(e.cfg.Rooms.VoteTimeout.Seconds())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.quorum.ExpireTimedOut(ctx, timeout); err != nil {
				e.logger.Warn("expire decisions", "error", err)
			} else if n > 0 {
				e.logger.Info("expired decisions", "count", n)
			}
			if n, err := e.quorum.PromoteAnnounced(ctx); err != nil {
				e.logger.Warn("promote announced", "error", err)
			} else if n > 0 {
				e.logger.Info("announced decisions became effective", "count", n)
			}
		}
	}
}

// startHTTP binds the local listener and writes the api.port and
// api.token sidecar files other local processes discover the engine
// through.
func (e *Engine) startHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	receiver := webhook.NewReceiver(webhook.Config{
		Store: e.store,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Limit:  e.cfg.Webhook.RateLimit,
			Window: e.cfg.Webhook.Window,
		}),
		Nudges: e.nudges,
		Events: e.bus,
		Logger: e.logger,
	})
	receiver.Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(e.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/status", e.handleStatus)

	addr := net.JoinHostPort(e.cfg.Server.Host, strconv.Itoa(e.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", addr, err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	if err := e.writeSidecars(port); err != nil {
		listener.Close()
		return err
	}

	e.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := e.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			e.logger.Error("http server", "error", err)
		}
	}()
	e.logger.Info("http surface up", "port", port)
	return nil
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	webhookStatus := map[string]any{"limit": e.cfg.Webhook.RateLimit, "window_seconds": int(e.cfg.Webhook.Window.Seconds())}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"updateDiagnostics": e.updates.diagnostics(),
		"webhook":           webhookStatus,
	})
}

// writeSidecars persists api.port and api.token next to the database.
// The token is a signed JWT under a per-start random secret: local
// clients read the sidecar, remote callers cannot mint one.
func (e *Engine) writeSidecars(port int) error {
	dir := e.cfg.DataDir()
	if err := os.WriteFile(filepath.Join(dir, "api.port"), []byte(strconv.Itoa(port)), 0o600); err != nil {
		return err
	}

	secret := uuid.NewString()
	claims := jwt.MapClaims{
		"iss": "quoroom",
		"iat": time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "api.token"), []byte(token), 0o600)
}

// saveCloudRoomToken appends a room's cloud token to the
// cloud-room-tokens.json sidecar.
func (e *Engine) saveCloudRoomToken(roomID int64, token string) {
	path := filepath.Join(e.cfg.DataDir(), "cloud-room-tokens.json")
	tokens := map[string]string{}
	if data, err := os.ReadFile(path); err == nil {
		_ = unmarshalJSON(data, &tokens)
	}
	tokens[strconv.FormatInt(roomID, 10)] = token
	if data, err := marshalJSON(tokens); err == nil {
		_ = os.WriteFile(path, data, 0o600)
	}
}

// Package watcher turns filesystem change events into task runs: one
// recursive fsnotify watch per active Watch row, debounced over a
// quiescence window, each flush dispatching the watch's action prompt
// through a synthetic task.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quoroom-dev/quoroom/internal/debounce"
	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// debounceWindow is the quiescence window change events are coalesced
// over before a run dispatches.
const debounceWindow = 200 * time.Millisecond

// change is one debounced filesystem event.
type change struct {
	WatchID int64
	Path    string
	Op      string
}

// Service owns every live filesystem watch. Start loads active Watch
// rows; Add/Remove track row changes at runtime.
type Service struct {
	store  *store.Store
	events *eventbus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[int64]*fsnotify.Watcher
	debounce *debounce.Debouncer[change]
	started  bool
}

// New builds a Service.
func New(s *store.Store, events *eventbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "watcher")
	}
	svc := &Service{
		store:    s,
		events:   events,
		logger:   logger,
		watchers: make(map[int64]*fsnotify.Watcher),
	}
	svc.debounce = debounce.New(debounceWindow,
		func(c *change) string { return fmt.Sprintf("%d", c.WatchID) },
		svc.dispatch)
	return svc
}

// Start attaches a watcher for every active Watch row.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	watches, err := s.store.ActiveWatches(ctx)
	if err != nil {
		return err
	}
	for _, w := range watches {
		if err := s.Add(ctx, w); err != nil {
			s.logger.Warn("attach watch", "watch_id", w.ID, "path", w.Path, "error", err)
		}
	}
	return nil
}

// Stop detaches every watcher and cancels pending debounce flushes.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce.Stop()
	for id, w := range s.watchers {
		w.Close()
		delete(s.watchers, id)
	}
	s.started = false
}

// ValidatePath rejects paths outside the user's home hierarchy and
// known sensitive roots. Called both at watch creation and again at
// attach time, since the row may predate the rule.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return models.NewError(models.KindInvalidInput, "watch path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.NewError(models.KindInvalidInput, "watch path %q: %v", path, err)
	}

	under := func(root string) bool {
		return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
	}

	// Home and temp scratch space are allowed; everything else is
	// either a known sensitive root or simply outside the hierarchy.
	if home, err := os.UserHomeDir(); err == nil && home != "" && under(home) {
		return nil
	}
	if tmp := os.TempDir(); tmp != "" && under(tmp) {
		return nil
	}

	for _, root := range []string{"/etc", "/sys", "/proc", "/dev", "/boot", "/usr", "/bin", "/sbin", "/var"} {
		if under(root) {
			return models.NewError(models.KindInvalidInput, "watch path %q is under a protected system root", path)
		}
	}
	return models.NewError(models.KindInvalidInput, "watch path %q is outside the home hierarchy", path)
}

// Add attaches a recursive fsnotify watcher for w. Paused watches are
// registered but their events are dropped at dispatch time.
func (s *Service) Add(ctx context.Context, w *models.Watch) error {
	if err := ValidatePath(w.Path); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.watchers[w.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return models.Wrap(models.KindInternal, err)
	}

	if err := addRecursive(fw, w.Path); err != nil {
		fw.Close()
		return err
	}

	s.mu.Lock()
	s.watchers[w.ID] = fw
	s.mu.Unlock()

	go s.consume(w.ID, fw)
	return nil
}

// Remove detaches the watcher for watchID, if any.
func (s *Service) Remove(watchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fw, ok := s.watchers[watchID]; ok {
		fw.Close()
		delete(s.watchers, watchID)
	}
}

// addRecursive registers path and, for directories, every
// subdirectory.
func addRecursive(fw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return models.NewError(models.KindNotFound, "watch path %q: %v", path, err)
	}
	if !info.IsDir() {
		return fw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := fw.Add(p); addErr != nil {
				return addErr
			}
		}
		return nil
	})
}

// consume forwards raw fsnotify events into the debouncer, registering
// newly created directories so the watch stays recursive.
func (s *Service) consume(watchID int64, fw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = fw.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.debounce.Enqueue(&change{WatchID: watchID, Path: event.Name, Op: event.Op.String()})
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify", "watch_id", watchID, "error", err)
		}
	}
}

// dispatch handles one debounced flush: re-reads the Watch row (it may
// have been paused or deleted since the event fired), then creates a
// queued run on the watch's synthetic task.
func (s *Service) dispatch(changes []*change) {
	if len(changes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	watchID := changes[0].WatchID
	w, err := s.store.GetWatch(ctx, watchID)
	if err != nil || w == nil {
		return
	}
	if w.Status != models.WatchActive {
		return
	}

	task, err := s.ensureTask(ctx, w)
	if err != nil {
		s.logger.Warn("watch task", "watch_id", w.ID, "error", err)
		return
	}

	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued}
	if err := s.store.CreateExecution(ctx, run); err != nil {
		s.logger.Warn("enqueue watch run", "watch_id", w.ID, "error", err)
		return
	}
	if err := s.store.RecordWatchTrigger(ctx, w.ID); err != nil {
		s.logger.Warn("record trigger", "watch_id", w.ID, "error", err)
	}

	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	e := &models.ActivityEvent{
		RoomID:    w.RoomID,
		EventType: "watch.triggered",
		Summary:   fmt.Sprintf("%s changed (%d events)", w.Path, len(changes)),
		Payload:   map[string]any{"watch_id": w.ID, "run_id": run.ID, "paths": paths},
	}
	if err := s.store.RecordActivity(ctx, e); err == nil && s.events != nil {
		s.events.Publish(e)
	}
}

// ensureTask finds or creates the watch's synthetic manual task.
func (s *Service) ensureTask(ctx context.Context, w *models.Watch) (*models.Task, error) {
	name := fmt.Sprintf("watch-%d", w.ID)
	active := models.TaskActive
	tasks, err := s.store.ListTasks(ctx, store.ListTasksOptions{RoomID: w.RoomID, Status: &active})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}

	task := &models.Task{
		RoomID:      w.RoomID,
		Name:        name,
		Prompt:      fmt.Sprintf("%s\n\nWatched path: %s", w.ActionPrompt, w.Path),
		TriggerType: models.TriggerManual,
		Status:      models.TaskActive,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Package webhook implements the unauthenticated hook surface: two
// token-keyed POST routes that either enqueue a task run or wake a
// room's Queen. Tokens are 128-bit opaque secrets compared in constant
// time; each token gets a rolling 30-requests-per-minute budget.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/nudge"
	"github.com/quoroom-dev/quoroom/internal/ratelimit"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// maxBodyBytes bounds a hook request body.
const maxBodyBytes = 256 * 1024

// Receiver serves the /api/hooks routes.
type Receiver struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	nudges  *nudge.Registry
	events  *eventbus.Bus
	logger  *slog.Logger
}

// Config wires a Receiver's collaborators. A nil Limiter gets the
// default 30/min budget.
type Config struct {
	Store   *store.Store
	Limiter *ratelimit.Limiter
	Nudges  *nudge.Registry
	Events  *eventbus.Bus
	Logger  *slog.Logger
}

// NewReceiver builds a Receiver from cfg.
func NewReceiver(cfg Config) *Receiver {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "webhook")
	}
	return &Receiver{
		store:   cfg.Store,
		limiter: limiter,
		nudges:  cfg.Nudges,
		events:  cfg.Events,
		logger:  logger,
	}
}

// Register attaches the hook routes to mux.
func (r *Receiver) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/hooks/task/{token}", r.handleTaskHook)
	mux.HandleFunc("POST /api/hooks/queen/{token}", r.handleQueenHook)
}

// handleTaskHook enqueues one run for the task owning the token.
func (r *Receiver) handleTaskHook(w http.ResponseWriter, req *http.Request) {
	token := req.PathValue("token")
	if !r.admit(w, token) {
		return
	}

	task, err := r.store.GetTaskByWebhookToken(req.Context(), token)
	if err != nil {
		r.internalError(w, err)
		return
	}
	if task == nil || !tokenEqual(task.WebhookToken, token) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown token"})
		return
	}
	if task.Status != models.TaskActive {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task is not active"})
		return
	}

	payload := readPayload(req)

	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued}
	if err := r.store.CreateExecution(req.Context(), run); err != nil {
		r.internalError(w, err)
		return
	}

	r.recordActivity(req, task.RoomID, "webhook.task", fmt.Sprintf("enqueued run for task %q", task.Name), payload)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "run_id": run.ID})
}

// handleQueenHook posts the payload as a wake message to the room's
// Queen and nudges its loop.
func (r *Receiver) handleQueenHook(w http.ResponseWriter, req *http.Request) {
	token := req.PathValue("token")
	if !r.admit(w, token) {
		return
	}

	room, err := r.store.GetRoomByWebhookToken(req.Context(), token)
	if err != nil {
		r.internalError(w, err)
		return
	}
	if room == nil || !tokenEqual(room.WebhookToken, token) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown token"})
		return
	}

	payload := readPayload(req)
	body := "webhook wake"
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			body = string(b)
		}
	}

	queenID := room.QueenID
	msg := &models.Message{RoomID: room.ID, ToWorkerID: &queenID, Body: body}
	if err := r.store.CreateMessage(req.Context(), msg); err != nil {
		r.internalError(w, err)
		return
	}

	r.recordActivity(req, room.ID, "webhook.queen", "queen wake requested", payload)
	if r.nudges != nil {
		r.nudges.Wake(queenID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// admit applies the per-token rate limit, answering 429 with a
// Retry-After header on rejection.
func (r *Receiver) admit(w http.ResponseWriter, token string) bool {
	if r.limiter.Allow(token) {
		return true
	}
	retry := r.limiter.RetryAfter(token)
	seconds := int(retry.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	return false
}

func (r *Receiver) recordActivity(req *http.Request, roomID int64, eventType, summary string, payload map[string]any) {
	e := &models.ActivityEvent{RoomID: roomID, EventType: eventType, Summary: summary, Payload: payload}
	if err := r.store.RecordActivity(req.Context(), e); err != nil {
		r.logger.Warn("record activity", "room_id", roomID, "error", err)
		return
	}
	if r.events != nil {
		r.events.Publish(e)
	}
}

func (r *Receiver) internalError(w http.ResponseWriter, err error) {
	r.logger.Error("webhook handler", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// readPayload parses an optional JSON object body, tolerating empty or
// malformed input — a hook caller owes us nothing.
func readPayload(req *http.Request) map[string]any {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]any{"raw": string(body)}
	}
	return payload
}

// tokenEqual compares tokens in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

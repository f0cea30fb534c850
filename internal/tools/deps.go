// Package tools implements the Queen/Worker tool surface: the closed
// set of mutations an Agent Loop cycle may request, each validated
// against its own argument record and dispatched through a
// agent.ToolRegistry built fresh for every cycle.
package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/browser"
	"github.com/quoroom-dev/quoroom/internal/eventbus"
	"github.com/quoroom-dev/quoroom/internal/goal"
	"github.com/quoroom-dev/quoroom/internal/memory"
	"github.com/quoroom-dev/quoroom/internal/nudge"
	"github.com/quoroom-dev/quoroom/internal/quorum"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/internal/wallet"
	"github.com/quoroom-dev/quoroom/internal/web"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// KeeperNotifier relays a keeper-addressed message outbound. The cloud
// client satisfies this; a nil notifier leaves keeper messages in the
// mailbox for the dashboard to surface.
type KeeperNotifier interface {
	NotifyKeeper(ctx context.Context, roomID int64, message string) error
}

// Deps bundles every collaborator a tool may need. One Deps is built per
// room and shared read-only across every worker's per-cycle registry.
type Deps struct {
	Store   *store.Store
	Goals   *goal.Tree
	Quorum  *quorum.Engine
	Wallet  *wallet.Service
	Memory  *memory.Recall
	Nudge   *nudge.Registry
	Events  *eventbus.Bus
	Web     web.Client
	Browser browser.Driver
	Keeper  KeeperNotifier

	// WalletSecret is the key-derivation secret wallet_send decrypts
	// with. It never enters a prompt, result, or log line.
	WalletSecret string
}

// ctx carries the acting worker's identity alongside the shared Deps so
// every tool's Execute can stamp activity events and enforce scope
// without threading extra parameters through the agent.Tool interface.
type ctx struct {
	*Deps
	RoomID   int64
	WorkerID int64
	IsQueen  bool
}

// errResult renders err as an IsError tool result rather than a Go
// error, matching the contract tool failures use throughout: the model
// sees a textual error and may retry or change course, while the Agent
// Loop sees no hard failure requiring the cycle to abort.
func errResult(err error) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
}

func okResult(v any) (*agent.ToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return errResult(models.Wrap(models.KindInternal, err))
	}
	return &agent.ToolResult{Content: string(b)}, nil
}

// scopeCheck returns a KindScope error if roomID does not match the
// acting context's room — the uniform guard every tool applies before
// mutating a row it was handed an id for.
func (c *ctx) scopeCheck(roomID int64) error {
	if roomID != c.RoomID {
		return models.NewError(models.KindScope, "room %d is not worker %d's room", roomID, c.WorkerID)
	}
	return nil
}

func (c *ctx) recordActivity(goCtx context.Context, eventType, summary string, payload map[string]any) {
	worker := c.WorkerID
	e := &models.ActivityEvent{
		RoomID:    c.RoomID,
		EventType: eventType,
		Summary:   summary,
		WorkerID:  &worker,
		Payload:   payload,
	}
	if err := c.Store.RecordActivity(goCtx, e); err == nil && c.Events != nil {
		c.Events.Publish(e)
	}
}

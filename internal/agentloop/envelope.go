package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// envelopeActivityLimit bounds how much recent activity is replayed
// into each cycle's prompt.
const envelopeActivityLimit = 15

// Envelope is the room-state snapshot a cycle presents to the model:
// everything the worker needs to act without any other context.
type Envelope struct {
	Room      *models.Room
	Goals     []*models.Goal
	Activity  []*models.ActivityEvent
	Decisions []*models.Decision
	Messages  []*models.Message
	Tasks     []*models.Task
	Wallet    *models.Wallet
	LastWIP   string

	// messageIDs are marked read once the cycle completes.
	messageIDs []int64
}

// buildEnvelope snapshots the room's state for one worker's cycle.
// Each section degrades to empty on its own read error rather than
// failing the cycle; the room read alone is fatal.
func buildEnvelope(ctx context.Context, s *store.Store, room *models.Room, worker *models.Worker, lastWIP string) (*Envelope, error) {
	env := &Envelope{Room: room, LastWIP: lastWIP}

	goals, err := s.GoalsByRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	env.Goals = goals

	env.Activity, _ = s.ListActivity(ctx, room.ID, envelopeActivityLimit)
	env.Decisions, _ = s.PendingDecisionsForWorker(ctx, room.ID, worker.ID)
	env.Messages, _ = s.UnreadMessagesForWorker(ctx, worker.ID)
	for _, m := range env.Messages {
		env.messageIDs = append(env.messageIDs, m.ID)
	}

	active := models.TaskActive
	env.Tasks, _ = s.ListTasks(ctx, store.ListTasksOptions{RoomID: room.ID, Status: &active, Limit: 20})
	env.Wallet, _ = s.GetWalletByRoom(ctx, room.ID)

	return env, nil
}

// Render flattens the envelope into the user-turn prompt text.
func (e *Envelope) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Room: %s\nObjective: %s\n", e.Room.Name, e.Room.Objective)

	b.WriteString("\n## Goals\n")
	if len(e.Goals) == 0 {
		b.WriteString("(no goals yet — consider set_goal)\n")
	}
	for _, g := range e.Goals {
		indent := ""
		if g.ParentGoalID != nil {
			indent = "  "
		}
		fmt.Fprintf(&b, "%s- [%d] %s (%s, %.0f%%)\n", indent, g.ID, g.Description, g.Status, g.Progress*100)
	}

	if len(e.Decisions) > 0 {
		b.WriteString("\n## Decisions awaiting your vote\n")
		for _, d := range e.Decisions {
			fmt.Fprintf(&b, "- [%d] %s (%s, threshold %s)\n", d.ID, d.Proposal, d.Type, d.Threshold)
		}
	}

	if len(e.Messages) > 0 {
		b.WriteString("\n## Unread messages\n")
		for _, m := range e.Messages {
			from := "keeper"
			if m.FromWorkerID != nil {
				from = fmt.Sprintf("worker %d", *m.FromWorkerID)
			}
			fmt.Fprintf(&b, "- from %s: %s\n", from, m.Body)
		}
	}

	if len(e.Tasks) > 0 {
		b.WriteString("\n## Delegated tasks\n")
		for _, t := range e.Tasks {
			fmt.Fprintf(&b, "- [%d] %s (%s, runs=%d errors=%d)\n", t.ID, t.Name, t.TriggerType, t.RunCount, t.ErrorCount)
		}
	}

	if e.Wallet != nil {
		fmt.Fprintf(&b, "\n## Wallet\naddress: %s\n", e.Wallet.Address)
	}

	if len(e.Activity) > 0 {
		b.WriteString("\n## Recent activity\n")
		for _, a := range e.Activity {
			fmt.Fprintf(&b, "- %s: %s\n", a.EventType, a.Summary)
		}
	}

	if e.LastWIP != "" {
		fmt.Fprintf(&b, "\n## Your previous cycle ended with\n%s\n", e.LastWIP)
	}

	b.WriteString("\nAct on the room's objective. Use tools to make progress; reply with a short status when done.\n")
	return b.String()
}

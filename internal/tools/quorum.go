package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// proposeTool implements `propose`: opens a new decision in voting
// status. The sealed flag is stored on the decision; the tally and the
// activity log do not read it, so a sealed proposal hides nothing.
type proposeTool struct{ c *ctx }

func (t *proposeTool) Name() string        { return "propose" }
func (t *proposeTool) Description() string { return "Open a quorum vote on a proposal." }
func (t *proposeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"proposal":{"type":"string"},"type":{"type":"string","enum":["strategy","resource","personnel","rule_change","low_impact"]},"threshold":{"type":"string","enum":["majority","supermajority","unanimous"]},"sealed":{"type":"boolean"}},"required":["proposal","type"]}`)
}
func (t *proposeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Proposal  string                 `json:"proposal"`
		Type      models.DecisionType    `json:"type"`
		Threshold models.QuorumThreshold `json:"threshold"`
		Sealed    bool                   `json:"sealed"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	proposer := t.c.WorkerID
	d := &models.Decision{
		RoomID:     t.c.RoomID,
		ProposerID: &proposer,
		Proposal:   p.Proposal,
		Type:       p.Type,
		Threshold:  p.Threshold,
		Sealed:     p.Sealed,
	}
	d, err := t.c.Quorum.Propose(ctx, d)
	if err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "decision.proposed", "opened a vote: "+p.Proposal, map[string]any{"decision_id": d.ID})
	return okResult(d)
}

// voteTool implements `vote`.
type voteTool struct{ c *ctx }

func (t *voteTool) Name() string        { return "vote" }
func (t *voteTool) Description() string { return "Cast a ballot on an open decision." }
func (t *voteTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"decision_id":{"type":"integer"},"value":{"type":"string","enum":["yes","no","abstain"]},"reasoning":{"type":"string"}},"required":["decision_id","value"]}`)
}
func (t *voteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		DecisionID int64            `json:"decision_id"`
		Value      models.VoteValue `json:"value"`
		Reasoning  string           `json:"reasoning"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	existing, err := t.c.Store.GetDecision(ctx, p.DecisionID)
	if err != nil {
		return errResult(err)
	}
	if existing == nil {
		return errResult(models.NewError(models.KindNotFound, "decision %d", p.DecisionID))
	}
	if err := t.c.scopeCheck(existing.RoomID); err != nil {
		return errResult(err)
	}
	d, err := t.c.Quorum.CastVote(ctx, p.DecisionID, t.c.WorkerID, p.Value, p.Reasoning)
	if err != nil {
		return errResult(err)
	}
	t.c.recordActivity(ctx, "decision.voted", "cast a vote", map[string]any{"decision_id": d.ID, "value": string(p.Value), "status": string(d.Status)})
	return okResult(d)
}

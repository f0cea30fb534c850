// Package quorum implements the decision state machine: proposal,
// voting, tallying against majority /
// supermajority / unanimous thresholds, the queen_tiebreak rule, and
// the announce/objection/effective path for decisions that take
// effect after a quiet window rather than an explicit vote.
package quorum

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// objectionWindow is the delay between an announced decision and it
// becoming effective.
const objectionWindow = 10 * time.Minute

// Engine tallies votes and drives decisions through their state
// machine. It is safe for concurrent use; all mutation happens inside
// store-managed transactions.
type Engine struct {
	store *store.Store
}

// New returns an Engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Propose creates a decision in the voting state, inheriting the
// room's default threshold and minVoters where the caller left them
// unset. A low_impact decision auto-approves immediately if the room
// has autoApproveLowImpact enabled.
func (e *Engine) Propose(ctx context.Context, d *models.Decision) (*models.Decision, error) {
	room, err := e.store.GetRoom(ctx, d.RoomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, models.NewError(models.KindNotFound, "room %d", d.RoomID)
	}
	if d.Threshold == "" {
		d.Threshold = room.Config.QuorumThreshold
	}
	if d.MinVoters == 0 {
		d.MinVoters = room.Config.MinVoters
	}
	d.Status = models.DecisionVoting

	if err := e.store.CreateDecision(ctx, d); err != nil {
		return nil, err
	}

	if d.Type == models.DecisionLowImpact && room.Config.AutoApproveLowImpact {
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionApproved, "auto-approved: low-impact", nil)
		})
		if err != nil {
			return nil, err
		}
		d.Status = models.DecisionApproved
		d.Result = "auto-approved: low-impact"
	}
	return d, nil
}

// Announce creates a decision that skips voting: it becomes effective
// automatically after the objection window unless a worker casts a
// vote during that window, which reopens it for a real tally.
func (e *Engine) Announce(ctx context.Context, d *models.Decision) (*models.Decision, error) {
	room, err := e.store.GetRoom(ctx, d.RoomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, models.NewError(models.KindNotFound, "room %d", d.RoomID)
	}
	if d.Threshold == "" {
		d.Threshold = room.Config.QuorumThreshold
	}
	if d.MinVoters == 0 {
		d.MinVoters = room.Config.MinVoters
	}
	d.Status = models.DecisionAnnounced

	if err := e.store.CreateDecision(ctx, d); err != nil {
		return nil, err
	}
	effectiveAt := time.Now().UTC().Add(objectionWindow)
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.SetDecisionEffectiveAtTx(ctx, tx, d.ID, effectiveAt)
	})
	if err != nil {
		return nil, err
	}
	d.EffectiveAt = &effectiveAt
	return d, nil
}

// CastVote records a worker's ballot and re-tallies the decision. A
// vote cast while a decision is announced is an objection: it reopens
// the decision for voting and records the ballot without tallying, so
// the decision stays in voting until the next ballot or the timeout.
func (e *Engine) CastVote(ctx context.Context, decisionID, workerID int64, value models.VoteValue, reasoning string) (*models.Decision, error) {
	var result *models.Decision
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		d, err := e.store.GetDecisionTx(ctx, tx, decisionID)
		if err != nil {
			return err
		}
		if d == nil {
			return models.NewError(models.KindNotFound, "decision %d", decisionID)
		}

		objection := false
		switch d.Status {
		case models.DecisionVoting:
			// fall through to tally below
		case models.DecisionAnnounced:
			if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionVoting, "", nil); err != nil {
				return err
			}
			d.Status = models.DecisionVoting
			d.EffectiveAt = nil
			objection = true
		default:
			return models.NewError(models.KindInvalidState, "decision %d is %s, not open for voting", d.ID, d.Status)
		}

		if err := e.store.UpsertVoteTx(ctx, tx, &models.Vote{
			DecisionID: d.ID,
			WorkerID:   workerID,
			Value:      value,
			Reasoning:  reasoning,
		}); err != nil {
			return err
		}
		if objection {
			result = d
			return nil
		}

		tallied, err := e.tallyTx(ctx, tx, d)
		if err != nil {
			return err
		}
		result = tallied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Retally re-runs the tally for a decision, used by DeleteWorker
// callers to re-evaluate eligibility after the voter pool shrinks.
func (e *Engine) Retally(ctx context.Context, decisionID int64) (*models.Decision, error) {
	var result *models.Decision
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		d, err := e.store.GetDecisionTx(ctx, tx, decisionID)
		if err != nil {
			return err
		}
		if d == nil {
			return models.NewError(models.KindNotFound, "decision %d", decisionID)
		}
		if d.Status != models.DecisionVoting {
			result = d
			return nil
		}
		tallied, err := e.tallyTx(ctx, tx, d)
		if err != nil {
			return err
		}
		result = tallied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireTimedOut expires every decision still voting past
// timeoutSeconds. Decisions below minVoters never meet a threshold on
// their own and rely entirely on this sweep to leave the voting state.
func (e *Engine) ExpireTimedOut(ctx context.Context, timeoutSeconds int) (int, error) {
	due, err := e.store.VotingDecisionsPastTimeout(ctx, timeoutSeconds)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range due {
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			fresh, err := e.store.GetDecisionTx(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if fresh == nil || fresh.Status != models.DecisionVoting {
				return nil
			}
			if err := e.store.TransitionDecisionTx(ctx, tx, fresh.ID, models.DecisionExpired, "timed out", nil); err != nil {
				return err
			}
			return e.recordVoteOutcomeTx(ctx, tx, fresh.ID, models.DecisionExpired)
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PromoteAnnounced moves every announced decision whose objection
// window has elapsed to effective.
func (e *Engine) PromoteAnnounced(ctx context.Context) (int, error) {
	due, err := e.store.AnnouncedDecisionsPastEffective(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range due {
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			fresh, err := e.store.GetDecisionTx(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if fresh == nil || fresh.Status != models.DecisionAnnounced {
				return nil
			}
			return e.store.TransitionDecisionTx(ctx, tx, fresh.ID, models.DecisionEffective, "objection window elapsed", nil)
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// tallyTx re-counts ballots and transitions d if a threshold, veto, or
// tie-break resolution applies. Everything it reads comes from tx —
// the store's single SQLite connection is already checked out by the
// enclosing transaction, so a read through s.db here would deadlock.
func (e *Engine) tallyTx(ctx context.Context, tx *sql.Tx, d *models.Decision) (*models.Decision, error) {
	queenID, tieBreak, err := roomQuorumInfoTx(ctx, tx, d.RoomID)
	if err != nil {
		return nil, err
	}

	votes, err := e.store.VotesForDecisionTx(ctx, tx, d.ID)
	if err != nil {
		return nil, err
	}
	eligible, err := e.store.EligibleVoterCount(ctx, tx, d.RoomID)
	if err != nil {
		return nil, err
	}

	var yes, no, abstain int
	var queenVote models.VoteValue
	for _, v := range votes {
		switch v.Value {
		case models.VoteYes:
			yes++
		case models.VoteNo:
			no++
		case models.VoteAbstain:
			abstain++
		}
		if queenID != 0 && v.WorkerID == queenID {
			queenVote = v.Value
		}
	}
	cast := yes + no + abstain

	// The Queen holds veto power: a Queen "no" vote vetoes the
	// proposal outright rather than entering the ordinary tally.
	if queenID != 0 && queenVote == models.VoteNo {
		if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionVetoed, "vetoed by queen", nil); err != nil {
			return nil, err
		}
		if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionVetoed); err != nil {
			return nil, err
		}
		d.Status = models.DecisionVetoed
		d.Result = "vetoed by queen"
		return d, nil
	}

	if d.MinVoters > 0 && cast < d.MinVoters {
		return d, nil
	}

	approve := meetsThreshold(yes, eligible-abstain, eligible, d.Threshold)
	reject := meetsThreshold(no, eligible-abstain, eligible, d.Threshold)

	switch {
	case approve && !reject:
		if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionApproved, "quorum reached", nil); err != nil {
			return nil, err
		}
		if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionApproved); err != nil {
			return nil, err
		}
		d.Status, d.Result = models.DecisionApproved, "quorum reached"
		return d, nil
	case reject && !approve:
		if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionRejected, "quorum against", nil); err != nil {
			return nil, err
		}
		if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionRejected); err != nil {
			return nil, err
		}
		d.Status, d.Result = models.DecisionRejected, "quorum against"
		return d, nil
	}

	// Neither side has met the threshold. If every eligible voter has
	// already cast a ballot, no further vote can change the outcome —
	// resolve the tie now instead of waiting for the timeout.
	if eligible > 0 && cast >= eligible {
		if tieBreak == models.TieBreakQueenTiebreak && queenID != 0 && queenVote != "" {
			weightedYes, weightedNo := yes, no
			if queenVote == models.VoteYes {
				weightedYes++
			} else if queenVote == models.VoteNo {
				weightedNo++
			}
			if weightedYes > weightedNo {
				if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionApproved, "queen tiebreak", nil); err != nil {
					return nil, err
				}
				if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionApproved); err != nil {
					return nil, err
				}
				d.Status, d.Result = models.DecisionApproved, "queen tiebreak"
				return d, nil
			}
			if weightedNo > weightedYes {
				if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionRejected, "queen tiebreak", nil); err != nil {
					return nil, err
				}
				if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionRejected); err != nil {
					return nil, err
				}
				d.Status, d.Result = models.DecisionRejected, "queen tiebreak"
				return d, nil
			}
			// still tied even after doubling the queen's vote: expire
		}
		if err := e.store.TransitionDecisionTx(ctx, tx, d.ID, models.DecisionExpired, "tied vote", nil); err != nil {
			return nil, err
		}
		if err := e.recordVoteOutcomeTx(ctx, tx, d.ID, models.DecisionExpired); err != nil {
			return nil, err
		}
		d.Status, d.Result = models.DecisionExpired, "tied vote"
	}

	return d, nil
}

// meetsThreshold reports whether count clears threshold. Majority and
// supermajority are measured against nonAbstain (the eligible voters
// who have not abstained); unanimous requires every eligible voter, not merely
// every voter who showed up, to have voted yes with zero no votes —
// the caller passes count=no separately to test the reject side, so
// unanimous only ever "meets" on the yes side in practice.
func meetsThreshold(count, nonAbstain, eligible int, threshold models.QuorumThreshold) bool {
	switch threshold {
	case models.ThresholdSupermajority:
		return nonAbstain > 0 && count*3 >= nonAbstain*2
	case models.ThresholdUnanimous:
		return eligible > 0 && count == eligible
	default: // majority
		return nonAbstain > 0 && count*2 > nonAbstain
	}
}

// recordVoteOutcomeTx updates every voter's vote stats: a vote that
// matched the decision's final direction counts as "approved" in the
// worker's win-rate regardless of whether the decision itself was an
// approval or a rejection.
func (e *Engine) recordVoteOutcomeTx(ctx context.Context, tx *sql.Tx, decisionID int64, final models.DecisionStatus) error {
	votes, err := e.store.VotesForDecisionTx(ctx, tx, decisionID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		matched := (final == models.DecisionApproved && v.Value == models.VoteYes) ||
			(final == models.DecisionRejected && v.Value == models.VoteNo)
		if err := e.store.RecordVoteStats(ctx, tx, v.WorkerID, matched); err != nil {
			return err
		}
	}
	return nil
}

// roomQuorumInfoTx reads the room's queen id and tie-break policy
// through tx, since the engine may already hold the store's sole
// connection when this is called.
func roomQuorumInfoTx(ctx context.Context, tx *sql.Tx, roomID int64) (queenID int64, tieBreak models.TieBreakPolicy, err error) {
	var qid sql.NullInt64
	var cfgJSON string
	row := tx.QueryRowContext(ctx, `SELECT queen_id, config_json FROM rooms WHERE id = ?`, roomID)
	if err := row.Scan(&qid, &cfgJSON); err != nil {
		return 0, "", models.Wrap(models.KindInternal, err)
	}
	if qid.Valid {
		queenID = qid.Int64
	}
	var cfg models.RoomConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return 0, "", models.Wrap(models.KindInternal, err)
	}
	return queenID, cfg.TieBreak, nil
}

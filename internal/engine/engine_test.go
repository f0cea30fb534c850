package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/config"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.LLM.AnthropicAPIKey = "test-key"
	cfg.Wallet.Secret = "test-custody-secret"
	cfg.Logging.Level = "error"

	eng, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		eng.Shutdown(context.Background())
	})
	return eng
}

func TestRoomBirth(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "R", "ship v1", models.VisibilityPrivate)
	require.NoError(t, err)
	require.NotZero(t, room.ID)
	require.Equal(t, models.RoomActive, room.Status)

	// One Queen worker with the default prompt.
	workers, err := eng.store.ListWorkersByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "R Queen", workers[0].Name)
	require.Equal(t, defaultQueenPrompt, workers[0].SystemPrompt)
	require.Equal(t, workers[0].ID, room.QueenID)

	// One root goal carrying the objective.
	goals, err := eng.store.GoalsByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	require.Equal(t, "ship v1", goals[0].Description)
	require.Equal(t, models.GoalActive, goals[0].Status)
	require.Zero(t, goals[0].Progress)
	require.Nil(t, goals[0].ParentGoalID)

	// One wallet with a 42-char hex address.
	w, err := eng.store.GetWalletByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Len(t, w.Address, 42)

	// One system activity entry.
	events, err := eng.store.ListActivity(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "system", events[0].EventType)
}

func TestCreateRoomValidation(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.CreateRoom(context.Background(), "", "x", models.VisibilityPrivate)
	require.True(t, models.Is(err, models.KindInvalidInput))
	_, err = eng.CreateRoom(context.Background(), "x", "", models.VisibilityPrivate)
	require.True(t, models.Is(err, models.KindInvalidInput))
}

func TestPauseRoomIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "P", "pause me", models.VisibilityPrivate)
	require.NoError(t, err)

	require.NoError(t, eng.PauseRoom(ctx, room.ID))
	require.NoError(t, eng.PauseRoom(ctx, room.ID), "pausing twice succeeds")

	got, err := eng.store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoomPaused, got.Status)
}

func TestStopRoom(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "S", "stop me", models.VisibilityPrivate)
	require.NoError(t, err)
	require.NoError(t, eng.StopRoom(ctx, room.ID))

	got, err := eng.store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoomStopped, got.Status)

	require.True(t, models.Is(eng.StopRoom(ctx, 9999), models.KindNotFound))
}

func TestDeleteWorkerRetalliesOpenDecisions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "Q", "decide things", models.VisibilityPrivate)
	require.NoError(t, err)

	roomID := room.ID
	voter := &models.Worker{RoomID: &roomID, Name: "voter", Role: "analyst"}
	holdout := &models.Worker{RoomID: &roomID, Name: "holdout", Role: "analyst"}
	require.NoError(t, eng.store.CreateWorker(ctx, voter))
	require.NoError(t, eng.store.CreateWorker(ctx, holdout))

	// Unanimous threshold over 3 eligible voters; two yes ballots
	// leave the decision short of quorum.
	queenID := room.QueenID
	d, err := eng.quorum.Propose(ctx, &models.Decision{
		RoomID:     roomID,
		ProposerID: &queenID,
		Proposal:   "adopt the new format",
		Type:       models.DecisionRuleChange,
		Threshold:  models.ThresholdUnanimous,
	})
	require.NoError(t, err)

	_, err = eng.quorum.CastVote(ctx, d.ID, queenID, models.VoteYes, "")
	require.NoError(t, err)
	d2, err := eng.quorum.CastVote(ctx, d.ID, voter.ID, models.VoteYes, "")
	require.NoError(t, err)
	require.Equal(t, models.DecisionVoting, d2.Status)

	// Removing the holdout shrinks the eligible pool to the two yes
	// voters; the re-tally resolves the decision.
	require.NoError(t, eng.DeleteWorker(ctx, holdout.ID))

	got, err := eng.store.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DecisionApproved, got.Status)

	w, err := eng.store.GetWorker(ctx, holdout.ID)
	require.NoError(t, err)
	require.Nil(t, w)
}

func TestDeleteWorkerRefusesQueen(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "G", "guard the queen", models.VisibilityPrivate)
	require.NoError(t, err)

	err = eng.DeleteWorker(ctx, room.QueenID)
	require.True(t, models.Is(err, models.KindInvalidState))

	require.True(t, models.Is(eng.DeleteWorker(ctx, 9999), models.KindNotFound))
}

package quorum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func newTestRoom(t *testing.T, s *store.Store, cfg models.RoomConfig) (*models.Room, *models.Worker) {
	t.Helper()
	room := &models.Room{
		Name:       "room",
		Objective:  "ship it",
		Status:     models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     cfg,
	}
	queen := &models.Worker{Name: "Queen", Role: "queen", SystemPrompt: "coordinate"}
	require.NoError(t, s.CreateRoomWithQueen(context.Background(), room, queen))
	return room, queen
}

func addWorker(t *testing.T, s *store.Store, roomID int64, name string) *models.Worker {
	t.Helper()
	w := &models.Worker{RoomID: &roomID, Name: name, Role: "worker", SystemPrompt: "help"}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), store.Config{Path: filepath.Join(dir, "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPropose_MajorityApproves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, queen := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority, TieBreak: models.TieBreakExpire, MinVoters: 2})
	w2 := addWorker(t, s, room.ID, "worker-2")

	e := New(s)
	d, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "ship it", Type: models.DecisionStrategy})
	require.NoError(t, err)
	require.Equal(t, models.DecisionVoting, d.Status)

	got, err := e.CastVote(ctx, d.ID, queen.ID, models.VoteYes, "sounds good")
	require.NoError(t, err)
	require.Equal(t, models.DecisionVoting, got.Status) // minVoters=2 holds the decision open until a second ballot lands

	got, err = e.CastVote(ctx, d.ID, w2.ID, models.VoteYes, "agreed")
	require.NoError(t, err)
	require.Equal(t, models.DecisionApproved, got.Status)
}

func TestPropose_QueenVetoOverridesMajority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, queen := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority, TieBreak: models.TieBreakExpire, MinVoters: 3})
	w2 := addWorker(t, s, room.ID, "worker-2")
	w3 := addWorker(t, s, room.ID, "worker-3")

	e := New(s)
	d, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "spend the treasury", Type: models.DecisionResource})
	require.NoError(t, err)

	_, err = e.CastVote(ctx, d.ID, w2.ID, models.VoteYes, "")
	require.NoError(t, err)
	_, err = e.CastVote(ctx, d.ID, w3.ID, models.VoteYes, "")
	require.NoError(t, err)

	got, err := e.CastVote(ctx, d.ID, queen.ID, models.VoteNo, "too risky")
	require.NoError(t, err)
	require.Equal(t, models.DecisionVetoed, got.Status)
}

func TestPropose_TieExpiresWithoutTiebreak(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, queen := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority, TieBreak: models.TieBreakExpire})
	w2 := addWorker(t, s, room.ID, "worker-2")

	e := New(s)
	d, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "rename the room", Type: models.DecisionLowImpact})
	require.NoError(t, err)

	_, err = e.CastVote(ctx, d.ID, queen.ID, models.VoteYes, "")
	require.NoError(t, err)
	got, err := e.CastVote(ctx, d.ID, w2.ID, models.VoteNo, "")
	require.NoError(t, err)
	require.Equal(t, models.DecisionExpired, got.Status)
}

func TestPropose_QueenTiebreakBreaksTie(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, queen := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority, TieBreak: models.TieBreakQueenTiebreak})
	w2 := addWorker(t, s, room.ID, "worker-2")

	e := New(s)
	d, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "adjust cadence", Type: models.DecisionStrategy})
	require.NoError(t, err)

	_, err = e.CastVote(ctx, d.ID, w2.ID, models.VoteNo, "")
	require.NoError(t, err)
	got, err := e.CastVote(ctx, d.ID, queen.ID, models.VoteYes, "")
	require.NoError(t, err)
	require.Equal(t, models.DecisionApproved, got.Status)
	require.Equal(t, "queen tiebreak", got.Result)
}

func TestPropose_LowImpactAutoApproves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, _ := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority, AutoApproveLowImpact: true})

	e := New(s)
	d, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "rename a channel", Type: models.DecisionLowImpact})
	require.NoError(t, err)
	require.Equal(t, models.DecisionApproved, d.Status)
}

func TestAnnounce_ObjectionReopensVoting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, queen := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdMajority})

	e := New(s)
	d, err := e.Announce(ctx, &models.Decision{RoomID: room.ID, Proposal: "adopt new cadence", Type: models.DecisionRuleChange})
	require.NoError(t, err)
	require.Equal(t, models.DecisionAnnounced, d.Status)
	require.NotNil(t, d.EffectiveAt)

	got, err := e.CastVote(ctx, d.ID, queen.ID, models.VoteNo, "objection")
	require.NoError(t, err)
	require.Equal(t, models.DecisionVoting, got.Status)
}

func TestExpireTimedOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, _ := newTestRoom(t, s, models.RoomConfig{QuorumThreshold: models.ThresholdUnanimous, MinVoters: 5})

	e := New(s)
	_, err := e.Propose(ctx, &models.Decision{RoomID: room.ID, Proposal: "never gets enough votes", Type: models.DecisionStrategy})
	require.NoError(t, err)

	n, err := e.ExpireTimedOut(ctx, -1) // negative window: everything already "past" it
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

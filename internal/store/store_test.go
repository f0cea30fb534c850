package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Path: filepath.Join(dir, "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRoomWithQueen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{
		Name:      "launch-room",
		Objective: "ship the thing",
		Status:    models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config: models.RoomConfig{
			QuorumThreshold: models.ThresholdMajority,
			CycleGapMs:      5000,
			TieBreak:        models.TieBreakExpire,
		},
	}
	queen := &models.Worker{Name: "Queen", Role: "queen", SystemPrompt: "coordinate the room"}

	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))
	require.NotZero(t, room.ID)
	require.NotZero(t, queen.ID)
	require.Equal(t, queen.ID, room.QueenID)
	require.NotEmpty(t, room.WebhookToken)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, models.ThresholdMajority, got.Config.QuorumThreshold)

	byToken, err := s.GetRoomByWebhookToken(ctx, room.WebhookToken)
	require.NoError(t, err)
	require.NotNil(t, byToken)
	require.Equal(t, room.ID, byToken.ID)

	workers, err := s.ListWorkersByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.True(t, workers[0].IsDefault)
}

func TestCreateWorkerRejectsSecondDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	w := &models.Worker{RoomID: &room.ID, Name: "Second Queen", IsDefault: true}
	err := s.CreateWorker(ctx, w)
	require.Error(t, err)
	require.True(t, models.Is(err, models.KindInvalidState))
}

func TestDecomposeGoalRejectsTerminalParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	root := &models.Goal{RoomID: room.ID, Description: "root", Status: models.GoalActive}
	require.NoError(t, s.SetObjective(ctx, root))

	children, err := s.DecomposeGoal(ctx, room.ID, root.ID, []string{"part one", "part two"})
	require.NoError(t, err)
	require.Len(t, children, 2)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateGoalProgress(ctx, tx, root.ID, 1.0, models.GoalCompleted)
	}))

	_, err = s.DecomposeGoal(ctx, room.ID, root.ID, []string{"too late"})
	require.Error(t, err)
	require.True(t, models.Is(err, models.KindInvalidState))
}

func TestQuorumVoteUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	decision := &models.Decision{
		RoomID:    room.ID,
		Proposal:  "raise cycle gap",
		Type:      models.DecisionStrategy,
		Threshold: models.ThresholdMajority,
		Status:    models.DecisionVoting,
	}
	require.NoError(t, s.CreateDecision(ctx, decision))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertVoteTx(ctx, tx, &models.Vote{DecisionID: decision.ID, WorkerID: queen.ID, Value: models.VoteYes})
	}))

	var votes []*models.Vote
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := s.VotesForDecisionTx(ctx, tx, decision.ID)
		votes = v
		return err
	}))
	require.Len(t, votes, 1)
	require.Equal(t, models.VoteYes, votes[0].Value)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertVoteTx(ctx, tx, &models.Vote{DecisionID: decision.ID, WorkerID: queen.ID, Value: models.VoteNo})
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := s.VotesForDecisionTx(ctx, tx, decision.ID)
		votes = v
		return err
	}))
	require.Len(t, votes, 1)
	require.Equal(t, models.VoteNo, votes[0].Value)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	now := time.Now().Add(-time.Minute)
	task := &models.Task{
		RoomID:      room.ID,
		Name:        "daily digest",
		Prompt:      "summarize the day",
		TriggerType: models.TriggerCron,
		Status:      models.TaskActive,
		NextRunAt:   &now,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	due, err := s.GetDueTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	run := &models.TaskRun{TaskID: task.ID}
	require.NoError(t, s.CreateExecution(ctx, run))

	acquired, err := s.AcquireExecution(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, acquired)
	require.Equal(t, run.ID, acquired.ID)

	require.NoError(t, s.MarkRunning(ctx, run.ID))
	require.NoError(t, s.CompleteExecution(ctx, run.ID, models.RunCompleted, "done", ""))

	got, err := s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, got.Status)
	require.Equal(t, "done", got.Result)
}

func TestWalletCreateIsSingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	w := &models.Wallet{RoomID: room.ID, Address: "0xabc", EncryptedKey: []byte("ciphertext")}
	require.NoError(t, s.CreateWallet(ctx, w))

	second := &models.Wallet{RoomID: room.ID, Address: "0xdef", EncryptedKey: []byte("ciphertext2")}
	err := s.CreateWallet(ctx, second)
	require.Error(t, err)
	require.True(t, models.Is(err, models.KindAlreadyExists))

	got, err := s.GetWalletByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "0xabc", got.Address)
}

func TestMemoryRecallFTS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := &models.Room{Name: "r", Objective: "o"}
	queen := &models.Worker{Name: "Queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	e := &models.Entity{RoomID: room.ID, Name: "Acme contract", Type: models.EntityFact}
	require.NoError(t, s.CreateEntity(ctx, e))
	require.NoError(t, s.AddObservation(ctx, &models.Observation{EntityID: e.ID, Content: "renewal deadline is next quarter"}))

	results, err := s.SearchObservationsFTS(ctx, room.ID, "renewal", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, e.ID, results[0].Entity.ID)
}

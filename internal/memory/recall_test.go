package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

type fakeSemantic struct {
	scores map[int64]float64
	err    error
}

func (f *fakeSemantic) Search(context.Context, int64, string, int) (map[int64]float64, error) {
	return f.scores, f.err
}

func newRecallFixture(t *testing.T, semantic SemanticSearcher) (*Recall, *store.Store, int64) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	room := &models.Room{
		Name: "m", Objective: "remember", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority},
	}
	queen := &models.Worker{Name: "m Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	return New(s, semantic), s, room.ID
}

func TestRememberCreatesEntityOnce(t *testing.T) {
	r, s, roomID := newRecallFixture(t, nil)
	ctx := context.Background()

	e1, err := r.Remember(ctx, roomID, "deploy-pipeline", models.EntityProject, "infra", "runs on push to main", "queen")
	require.NoError(t, err)
	e2, err := r.Remember(ctx, roomID, "deploy-pipeline", models.EntityProject, "infra", "takes about four minutes", "queen")
	require.NoError(t, err)
	require.Equal(t, e1.ID, e2.ID)

	obs, err := s.ObservationsForEntity(ctx, e1.ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)
}

func TestRecallFTSOnly(t *testing.T) {
	r, _, roomID := newRecallFixture(t, nil)
	ctx := context.Background()

	_, err := r.Remember(ctx, roomID, "deploy-pipeline", models.EntityProject, "", "the deploy pipeline runs nightly", "queen")
	require.NoError(t, err)
	_, err = r.Remember(ctx, roomID, "lunch", models.EntityPreference, "", "the keeper prefers ramen", "queen")
	require.NoError(t, err)

	results, err := r.Recall(ctx, roomID, "deploy", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "deploy-pipeline", results[0].Entity.Name)
}

func TestRecallFusesSemanticScores(t *testing.T) {
	r, _, roomID := newRecallFixture(t, nil)
	ctx := context.Background()

	a, err := r.Remember(ctx, roomID, "alpha", models.EntityFact, "", "ship the release", "queen")
	require.NoError(t, err)
	b, err := r.Remember(ctx, roomID, "beta", models.EntityFact, "", "ship the container", "queen")
	require.NoError(t, err)

	// Semantic backend strongly prefers beta.
	r.semantic = &fakeSemantic{scores: map[int64]float64{a.ID: 0.1, b.ID: 0.95}}

	results, err := r.Recall(ctx, roomID, "ship", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.InDelta(t, 0.6*res.FTSScore+0.4*res.SemanticScore, res.Score, 1e-9)
	}
}

func TestRecallSemanticFailureDegradesToFTS(t *testing.T) {
	r, _, roomID := newRecallFixture(t, &fakeSemantic{err: errors.New("index offline")})
	ctx := context.Background()

	_, err := r.Remember(ctx, roomID, "fact", models.EntityFact, "", "the answer is 42", "queen")
	require.NoError(t, err)

	results, err := r.Recall(ctx, roomID, "answer", 10)
	require.NoError(t, err, "semantic failure must not fail recall")
	require.NotEmpty(t, results)
}

func TestRelateCreatesBothEntities(t *testing.T) {
	r, s, roomID := newRecallFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Relate(ctx, roomID, "alice", "project-x", "works_on"))

	entities, err := s.EntitiesByRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, entities, 2)
}

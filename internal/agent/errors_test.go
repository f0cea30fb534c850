package agent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

func TestToolErrorRendering(t *testing.T) {
	err := NewToolError("wallet_send", errors.New("rpc down")).
		WithKind(models.KindChainFail).
		WithCallID("call-9")

	require.Contains(t, err.Error(), "wallet_send")
	require.Contains(t, err.Error(), "chain_failed")
	require.Contains(t, err.Error(), "rpc down")
	require.Equal(t, "call-9", err.CallID)
}

func TestToolErrorMessageOverride(t *testing.T) {
	err := NewToolError("recall", errors.New("underlying")).WithMessage("index unavailable")
	require.Contains(t, err.Error(), "index unavailable")
	require.NotContains(t, err.Error(), "underlying")
	require.ErrorIs(t, err, err.Cause)
}

func TestAsToolErrorUnwraps(t *testing.T) {
	inner := NewToolError("vote", ErrToolTimeout).WithKind(models.KindTimeout)
	wrapped := fmt.Errorf("cycle 3: %w", inner)

	te, ok := AsToolError(wrapped)
	require.True(t, ok)
	require.Equal(t, "vote", te.Name)

	_, ok = AsToolError(errors.New("plain"))
	require.False(t, ok)
}

func TestIsToolRetryable(t *testing.T) {
	require.True(t, IsToolRetryable(NewToolError("a", ErrToolTimeout).WithKind(models.KindTimeout)))
	require.True(t, IsToolRetryable(NewToolError("a", errors.New("x")).WithKind(models.KindRateLimited)))
	require.False(t, IsToolRetryable(NewToolError("a", errors.New("x")).WithKind(models.KindInvalidInput)))
	require.False(t, IsToolRetryable(errors.New("plain")))
}

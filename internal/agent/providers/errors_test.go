package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyByStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{402, KindAuth},
		{403, KindAuth},
		{429, KindRateLimited},
		{408, KindTimeout},
		{500, KindServer},
		{503, KindServer},
		{400, KindInvalidRequest},
		{422, KindInvalidRequest},
	}
	for _, tc := range cases {
		got := classify(tc.status, errors.New("boom"))
		require.Equal(t, tc.want, got, "status %d", tc.status)
	}
}

func TestClassifyByError(t *testing.T) {
	require.Equal(t, KindTimeout, classify(0, context.DeadlineExceeded))
	require.Equal(t, KindNetwork, classify(0, &net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.Equal(t, KindRateLimited, classify(0, errors.New("rate limit exceeded")))
	require.Equal(t, KindAuth, classify(0, errors.New("invalid api key provided")))
	require.Equal(t, KindUnknown, classify(0, errors.New("something odd")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("upstream broke")
	err := wrap("anthropic", "claude-sonnet-4-20250514", 500, cause)

	pe, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindServer, pe.Kind)
	require.Equal(t, "anthropic", pe.Provider)
	require.Equal(t, 500, pe.Status)
	require.ErrorIs(t, err, cause)
	require.True(t, IsRetryable(err))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, wrap("openai", "gpt-4o", 0, nil))
}

func TestRetryableKinds(t *testing.T) {
	retryable := []ErrorKind{KindNetwork, KindRateLimited, KindServer, KindTimeout}
	for _, k := range retryable {
		require.True(t, k.Retryable(), string(k))
	}
	terminal := []ErrorKind{KindAuth, KindInvalidRequest, KindUnknown}
	for _, k := range terminal {
		require.False(t, k.Retryable(), string(k))
	}
}

func TestIsRetryableIgnoresPlainErrors(t *testing.T) {
	require.False(t, IsRetryable(fmt.Errorf("bare: %w", errors.New("x"))))
}

func TestRetrierStopsOnTerminalError(t *testing.T) {
	r := newRetrier(3, 1)
	attempts := 0
	err := r.do(context.Background(), func() error {
		attempts++
		return wrap("openai", "gpt-4o", 401, errors.New("denied"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetrierRetriesTransient(t *testing.T) {
	r := newRetrier(3, 1)
	attempts := 0
	err := r.do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return wrap("openai", "gpt-4o", 503, errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

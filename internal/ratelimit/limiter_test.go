package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clock is a controllable time source for limiter tests.
type clock struct{ t time.Time }

func (c *clock) now() time.Time              { return c.t }
func (c *clock) advance(d time.Duration)     { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	l := NewLimiter(cfg)
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l.now = c.now
	return l, c
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 30, Window: time.Minute})
	for i := 0; i < 30; i++ {
		require.True(t, l.Allow("tok"), "request %d", i+1)
	}
	require.False(t, l.Allow("tok"), "31st request in the window must be rejected")
}

func TestWindowSlides(t *testing.T) {
	l, c := newTestLimiter(Config{Limit: 30, Window: time.Minute})
	for i := 0; i < 30; i++ {
		require.True(t, l.Allow("tok"))
	}
	require.False(t, l.Allow("tok"))

	c.advance(61 * time.Second)
	require.True(t, l.Allow("tok"), "a request 61s after the first must pass")
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 2, Window: time.Minute})
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
}

func TestRetryAfter(t *testing.T) {
	l, c := newTestLimiter(Config{Limit: 2, Window: time.Minute})
	require.True(t, l.Allow("tok"))
	c.advance(10 * time.Second)
	require.True(t, l.Allow("tok"))

	require.Equal(t, 50*time.Second, l.RetryAfter("tok"))

	c.advance(50 * time.Second)
	require.Zero(t, l.RetryAfter("tok"))
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	l, c := newTestLimiter(Config{Limit: 1, Window: time.Minute})
	require.True(t, l.Allow("tok"))
	for i := 0; i < 5; i++ {
		require.False(t, l.Allow("tok"))
	}
	c.advance(61 * time.Second)
	require.True(t, l.Allow("tok"), "rejections must not extend the window")
}

func TestGetStatus(t *testing.T) {
	l, c := newTestLimiter(Config{Limit: 3, Window: time.Minute})
	st := l.GetStatus("tok")
	require.Equal(t, 3, st.Remaining)
	require.True(t, st.ResetAt.IsZero())

	start := c.t
	require.True(t, l.Allow("tok"))
	st = l.GetStatus("tok")
	require.Equal(t, 2, st.Remaining)
	require.Equal(t, start.Add(time.Minute), st.ResetAt)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 1, Window: time.Minute})
	require.True(t, l.Allow("tok"))
	require.False(t, l.Allow("tok"))
	l.Reset("tok")
	require.True(t, l.Allow("tok"))
}

func TestPruneDropsIdleKeys(t *testing.T) {
	l, c := newTestLimiter(Config{Limit: 5, Window: time.Minute})
	require.True(t, l.Allow("old"))
	c.advance(2 * time.Minute)
	require.True(t, l.Allow("new"))

	l.mu.Lock()
	_, exists := l.windows["old"]
	l.mu.Unlock()
	require.False(t, exists, "idle key should be pruned")
}

func TestDefaultsApplied(t *testing.T) {
	l := NewLimiter(Config{})
	require.Equal(t, 30, l.cfg.Limit)
	require.Equal(t, time.Minute, l.cfg.Window)
}

package agentloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.Local)
}

func TestQuietWindowStraddlesMidnight(t *testing.T) {
	w := &QuietWindow{From: "22:00", Until: "06:00"}
	require.NoError(t, w.Validate())

	require.True(t, w.Contains(at(23, 0)))
	require.True(t, w.Contains(at(2, 30)))
	require.True(t, w.Contains(at(22, 0)), "start is inclusive")
	require.False(t, w.Contains(at(6, 0)), "end is exclusive")
	require.False(t, w.Contains(at(7, 0)))
	require.False(t, w.Contains(at(12, 0)))
}

func TestQuietWindowSameDay(t *testing.T) {
	w := &QuietWindow{From: "09:00", Until: "17:00"}
	require.NoError(t, w.Validate())

	require.True(t, w.Contains(at(9, 0)))
	require.True(t, w.Contains(at(12, 0)))
	require.False(t, w.Contains(at(17, 0)))
	require.False(t, w.Contains(at(8, 59)))
}

func TestQuietWindowValidation(t *testing.T) {
	cases := []QuietWindow{
		{From: "25:00", Until: "06:00"},
		{From: "22:00", Until: "6:00"},
		{From: "22:61", Until: "06:00"},
		{From: "22:00", Until: "22:00"},
	}
	for _, w := range cases {
		require.Error(t, w.Validate(), "%s..%s", w.From, w.Until)
	}
}

func TestQuietWindowFor(t *testing.T) {
	require.Nil(t, QuietWindowFor(models.RoomConfig{}))
	require.Nil(t, QuietWindowFor(models.RoomConfig{QuietFrom: "22:00"}))

	w := QuietWindowFor(models.RoomConfig{QuietFrom: "22:00", QuietUntil: "06:00"})
	require.NotNil(t, w)
	require.Equal(t, "22:00", w.From)
}

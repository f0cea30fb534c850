package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFileJournal(t *testing.T, cfg Config) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	cfg.Output = "file:" + path
	j, err := NewJournal(cfg)
	require.NoError(t, err)
	return j, path
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestJournalWritesJSONLines(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true})
	j.Log(&Event{Type: EventRoomCreated, RoomID: 7, Summary: "room born"})
	require.NoError(t, j.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, string(EventRoomCreated), lines[0]["event"])
	require.EqualValues(t, 7, lines[0]["room_id"])
	require.Equal(t, "room born", lines[0]["summary"])
}

func TestJournalLevelFilter(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true, Level: LevelWarn})
	j.Log(&Event{Type: EventCycleCompleted, Level: LevelInfo, Summary: "quiet"})
	j.Log(&Event{Type: EventCycleFailed, Level: LevelError, Summary: "loud"})
	require.NoError(t, j.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, string(EventCycleFailed), lines[0]["event"])
}

func TestJournalDisabledDiscards(t *testing.T) {
	j, err := NewJournal(Config{Enabled: false})
	require.NoError(t, err)
	j.Log(&Event{Type: EventRoomCreated})
	require.NoError(t, j.Close())
}

func TestJournalClipsLongFields(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true, MaxFieldSize: 10})
	j.Log(&Event{Type: EventCycleCompleted, Summary: strings.Repeat("x", 100)})
	require.NoError(t, j.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.LessOrEqual(t, len(lines[0]["summary"].(string)), 10+len("…"))
}

func TestRunFinishedMapsStatusToLevel(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true, Level: LevelWarn})
	j.RunFinished(1, 10, "completed", time.Second, "")
	j.RunFinished(1, 11, "failed", time.Second, "boom")
	j.RunFinished(1, 12, "timed_out", time.Minute, "deadline")
	require.NoError(t, j.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2, "completed runs are info-level and filtered out")
	require.Equal(t, string(EventRunFinished), lines[0]["event"])
	require.Equal(t, "boom", lines[0]["error"])
	require.Equal(t, string(EventRunTimedOut), lines[1]["event"])
}

func TestWalletSendNeverLogsKeys(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true})
	j.WalletSend(3, "0xabc", "1.5", "USDC", "confirmed")
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "0xabc")
	require.NotContains(t, string(raw), "private")
}

func TestJournalRejectsUnknownOutput(t *testing.T) {
	_, err := NewJournal(Config{Enabled: true, Output: "syslog"})
	require.Error(t, err)
}

func TestDecisionResolved(t *testing.T) {
	j, path := newFileJournal(t, Config{Enabled: true})
	j.DecisionResolved(2, 9, "approved", "2 yes / 1 no")
	require.NoError(t, j.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.EqualValues(t, 9, lines[0]["decision_id"])
	require.Equal(t, "2 yes / 1 no", lines[0]["result"])
}

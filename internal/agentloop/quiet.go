// Package agentloop drives the per-worker cooperative cycle: envelope
// build, one Agent Executor invocation, tool application, then an
// interruptible sleep. One goroutine per started worker, registered in
// a Manager so starts are idempotent and a room pause can cancel every
// loop it owns.
package agentloop

import (
	"fmt"
	"regexp"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// QuietWindow is a wall-clock window during which a room's loops skip
// cycles. The start is inclusive, the end exclusive, and the window
// wraps midnight when From > Until ("22:00".."06:00").
type QuietWindow struct {
	From  string
	Until string
}

// QuietWindowFor extracts the room's configured window. Returns nil
// when the room has no quiet hours.
func QuietWindowFor(cfg models.RoomConfig) *QuietWindow {
	if cfg.QuietFrom == "" || cfg.QuietUntil == "" {
		return nil
	}
	return &QuietWindow{From: cfg.QuietFrom, Until: cfg.QuietUntil}
}

// Validate rejects malformed clock strings and degenerate windows. A
// window whose ends coincide would quiet the full day (or none of it,
// depending on reading) — it is rejected at configure time rather than
// guessed at.
func (w *QuietWindow) Validate() error {
	if !clockPattern.MatchString(w.From) {
		return models.NewError(models.KindInvalidInput, "quiet_from %q: expected HH:MM", w.From)
	}
	if !clockPattern.MatchString(w.Until) {
		return models.NewError(models.KindInvalidInput, "quiet_until %q: expected HH:MM", w.Until)
	}
	if w.From == w.Until {
		return models.NewError(models.KindInvalidInput, "quiet window %s..%s is empty or covers the whole day", w.From, w.Until)
	}
	return nil
}

// Contains reports whether t's local wall-clock falls inside the
// window.
func (w *QuietWindow) Contains(t time.Time) bool {
	from, err1 := clockMinutes(w.From)
	until, err2 := clockMinutes(w.Until)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if from < until {
		return now >= from && now < until
	}
	// Wraps midnight.
	return now >= from || now < until
}

func clockMinutes(s string) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

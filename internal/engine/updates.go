package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// updateCheckInterval paces polls of the update source.
const updateCheckInterval = 6 * time.Hour

// UpdateDiagnostics is the /api/status view of the update checker.
type UpdateDiagnostics struct {
	LastCheckAt         *time.Time `json:"lastCheckAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	LastErrorCode       string     `json:"lastErrorCode,omitempty"`
	NextCheckAt         *time.Time `json:"nextCheckAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	UpdateSource        string     `json:"updateSource,omitempty"`
}

// updateChecker polls the configured update source and keeps the
// diagnostics /api/status reports. It never acts on what it finds —
// surfacing "an update exists" is the peripheral installer's job.
type updateChecker struct {
	url    string
	token  string
	logger *slog.Logger
	client *http.Client

	mu   sync.Mutex
	diag UpdateDiagnostics
}

func newUpdateChecker(url, token string, logger *slog.Logger) *updateChecker {
	return &updateChecker{
		url:    url,
		token:  token,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		diag:   UpdateDiagnostics{UpdateSource: url},
	}
}

func (u *updateChecker) run(ctx context.Context) {
	if u.url == "" {
		return
	}
	ticker := time.NewTicker(updateCheckInterval)
	defer ticker.Stop()

	u.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.check(ctx)
		}
	}
}

func (u *updateChecker) check(ctx context.Context) {
	now := time.Now()
	next := now.Add(updateCheckInterval)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		u.record(now, next, err.Error())
		return
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		u.record(now, next, "network_error")
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		u.record(now, next, http.StatusText(resp.StatusCode))
		return
	}
	u.record(now, next, "")
}

func (u *updateChecker) record(at, next time.Time, errCode string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.diag.LastCheckAt = &at
	u.diag.NextCheckAt = &next
	if errCode == "" {
		u.diag.LastSuccessAt = &at
		u.diag.ConsecutiveFailures = 0
		u.diag.LastErrorCode = ""
		return
	}
	u.diag.LastErrorAt = &at
	u.diag.LastErrorCode = errCode
	u.diag.ConsecutiveFailures++
}

func (u *updateChecker) diagnostics() UpdateDiagnostics {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.diag
}

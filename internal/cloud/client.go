// Package cloud is the engine's optional relay to the hosted registry:
// public-room registration, the keeper's message inbox, outbound
// notifications, and the invite network. Every call is best-effort —
// a transient failure degrades silently and the engine keeps running
// on local state alone.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// NotificationChannel selects how a keeper notification is delivered.
type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "email"
	ChannelTelegram NotificationChannel = "telegram"
)

// InboxMessage is one keeper-to-room message fetched from the relay.
type InboxMessage struct {
	ID        string    `json:"id"`
	RoomToken string    `json:"room_token"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Invite is one edge of the referral network.
type Invite struct {
	Code      string    `json:"code"`
	Referrer  string    `json:"referrer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the CloudClient contract the engine depends on. A nil
// client means cloud features are off.
type Client interface {
	// RegisterRoom announces a public room and returns its cloud
	// token.
	RegisterRoom(ctx context.Context, name, objective, referrerCode string) (string, error)

	// FetchInbox returns pending keeper messages for a room token.
	FetchInbox(ctx context.Context, roomToken string) ([]InboxMessage, error)

	// AckMessages marks fetched messages consumed.
	AckMessages(ctx context.Context, roomToken string, ids []string) error

	// NotifyKeeper relays a message outbound on the keeper's
	// configured channel.
	NotifyKeeper(ctx context.Context, roomID int64, message string) error

	// InviteNetwork returns the referral edges for this install.
	InviteNetwork(ctx context.Context) ([]Invite, error)
}

// Config configures the HTTP client.
type Config struct {
	// APIBase is the relay's base URL; empty disables the client.
	APIBase string

	// Token authenticates this install. Wrapped in an oauth2 static
	// source so a refreshing source can be swapped in without
	// touching call sites.
	Token string

	Timeout time.Duration
	Logger  *slog.Logger
}

// New returns a Client, or nil when no APIBase is configured.
func New(cfg Config) Client {
	if cfg.APIBase == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "cloud")
	}

	base := &http.Client{Timeout: cfg.Timeout}
	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		base = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: src},
		}
	}
	return &httpClient{base: cfg.APIBase, http: base, logger: logger}
}

type httpClient struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

func (c *httpClient) RegisterRoom(ctx context.Context, name, objective, referrerCode string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.post(ctx, "/v1/rooms", map[string]any{
		"name": name, "objective": objective, "referrer_code": referrerCode,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *httpClient) FetchInbox(ctx context.Context, roomToken string) ([]InboxMessage, error) {
	var resp struct {
		Messages []InboxMessage `json:"messages"`
	}
	if err := c.get(ctx, "/v1/inbox/"+roomToken, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *httpClient) AckMessages(ctx context.Context, roomToken string, ids []string) error {
	return c.post(ctx, "/v1/inbox/"+roomToken+"/ack", map[string]any{"ids": ids}, nil)
}

func (c *httpClient) NotifyKeeper(ctx context.Context, roomID int64, message string) error {
	err := c.post(ctx, "/v1/notify", map[string]any{
		"room_id": roomID, "message": message,
	}, nil)
	if err != nil {
		// Best-effort: log and swallow so a relay outage never fails
		// the caller's cycle.
		c.logger.Debug("notify keeper", "room_id", roomID, "error", err)
	}
	return nil
}

func (c *httpClient) InviteNetwork(ctx context.Context) ([]Invite, error) {
	var resp struct {
		Invites []Invite `json:"invites"`
	}
	if err := c.get(ctx, "/v1/invites", &resp); err != nil {
		return nil, err
	}
	return resp.Invites, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *httpClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("cloud: %s %s: %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

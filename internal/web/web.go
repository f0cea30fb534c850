// Package web implements the two read-only outbound collaborators the
// tool surface exposes to agents: a search backend and a page fetcher.
// Both degrade to a textual error result rather than a hard failure —
// an agent cycle should never abort because the public internet is
// unreachable.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one hit returned by Search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client is the outbound web surface backing the web_search and
// web_fetch tools.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Fetch(ctx context.Context, target string, maxBytes int64) (string, error)
}

// Config configures the default HTTP-backed Client.
type Config struct {
	// SearXNGURL points at a SearXNG instance's /search endpoint
	// (JSON format). Empty disables search and Search always returns
	// an empty result set with no error.
	SearXNGURL string
	Timeout    time.Duration
}

// httpClient is the default Client, implemented entirely on net/http —
// SearXNG is a self-hosted metasearch aggregator, so there is no
// official Go SDK to depend on the way there is for a single vendor API.
type httpClient struct {
	cfg Config
	hc  *http.Client
}

// New returns the default web.Client.
func New(cfg Config) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &httpClient{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (c *httpClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if c.cfg.SearXNGURL == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	u := strings.TrimRight(c.cfg.SearXNGURL, "/") + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned %s", resp.Status)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]SearchResult, 0, limit)
	for _, r := range parsed.Results {
		if len(out) >= limit {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (c *httpClient) Fetch(ctx context.Context, target string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = 200_000
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

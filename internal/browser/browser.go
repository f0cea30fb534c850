// Package browser backs the agent `browser` tool: a headless Chromium
// session driven through Playwright, executing a short action sequence
// and returning what the page showed. Sessions are per-call; nothing
// persists between tool invocations.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Action is one step of a browser sequence.
type Action struct {
	// Type is goto, click, fill, text, or title.
	Type string `json:"type"`

	// URL is required for goto.
	URL string `json:"url,omitempty"`

	// Selector targets click, fill, and text.
	Selector string `json:"selector,omitempty"`

	// Value is the text to fill.
	Value string `json:"value,omitempty"`
}

// Driver executes browser action sequences.
type Driver interface {
	Run(ctx context.Context, actions []Action) (string, error)
	Close() error
}

// Playwright is the Chromium-backed Driver. The Playwright runtime is
// started lazily on first use so engines with no browser tool
// configured never pay its startup cost.
type Playwright struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywright returns an unstarted driver.
func NewPlaywright() *Playwright {
	return &Playwright{}
}

func (d *Playwright) ensureStarted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("browser: start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("browser: launch chromium: %w", err)
	}
	d.pw = pw
	d.browser = b
	return nil
}

// Run opens a fresh page, applies actions in order, and returns the
// accumulated text output of `text` and `title` steps (or the final
// URL when no reading step was requested).
func (d *Playwright) Run(ctx context.Context, actions []Action) (string, error) {
	if len(actions) == 0 {
		return "", fmt.Errorf("browser: empty action sequence")
	}
	if err := d.ensureStarted(); err != nil {
		return "", err
	}

	page, err := d.browser.NewPage()
	if err != nil {
		return "", fmt.Errorf("browser: new page: %w", err)
	}
	defer page.Close()

	var out strings.Builder
	for i, a := range actions {
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		switch a.Type {
		case "goto":
			if _, err := page.Goto(a.URL); err != nil {
				return out.String(), fmt.Errorf("browser: step %d goto %s: %w", i, a.URL, err)
			}
		case "click":
			if err := page.Locator(a.Selector).Click(); err != nil {
				return out.String(), fmt.Errorf("browser: step %d click %s: %w", i, a.Selector, err)
			}
		case "fill":
			if err := page.Locator(a.Selector).Fill(a.Value); err != nil {
				return out.String(), fmt.Errorf("browser: step %d fill %s: %w", i, a.Selector, err)
			}
		case "text":
			text, err := page.Locator(a.Selector).TextContent()
			if err != nil {
				return out.String(), fmt.Errorf("browser: step %d text %s: %w", i, a.Selector, err)
			}
			out.WriteString(text)
			out.WriteString("\n")
		case "title":
			title, err := page.Title()
			if err != nil {
				return out.String(), fmt.Errorf("browser: step %d title: %w", i, err)
			}
			out.WriteString(title)
			out.WriteString("\n")
		default:
			return out.String(), fmt.Errorf("browser: step %d: unknown action %q", i, a.Type)
		}
	}

	if out.Len() == 0 {
		return page.URL(), nil
	}
	return out.String(), nil
}

// Close shuts the shared browser and Playwright runtime down.
func (d *Playwright) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	if d.browser != nil {
		firstErr = d.browser.Close()
		d.browser = nil
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.pw = nil
	}
	return firstErr
}

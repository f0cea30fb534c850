// Package providers holds the concrete LLM backends behind the
// agent.LLMProvider contract: Anthropic and OpenAI, each translating
// the engine's completion format to its own wire format and streaming
// the response back as agent.CompletionChunks.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a provider failure. The Agent Loop's back-off
// and the Runner's retry logic branch on this, never on message text.
type ErrorKind string

const (
	// KindNetwork covers connection resets, DNS failures, and other
	// transport-level faults.
	KindNetwork ErrorKind = "network"

	// KindAuth covers rejected or missing credentials (401/403) and
	// exhausted billing (402).
	KindAuth ErrorKind = "auth"

	// KindRateLimited covers 429s and provider-side quota throttling.
	KindRateLimited ErrorKind = "rate_limited"

	// KindInvalidRequest covers 400s: a malformed message history,
	// an oversized request, or a tool schema the provider rejects.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindServer covers provider-side 5xx failures.
	KindServer ErrorKind = "server"

	// KindTimeout covers deadline expiry, ours or the provider's.
	KindTimeout ErrorKind = "timeout"

	// KindUnknown is everything the classifier cannot place.
	KindUnknown ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may clear on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindServer, KindTimeout:
		return true
	}
	return false
}

// Error is a classified provider failure carrying the provider and
// model it came from.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Cause    error
}

func (e *Error) Error() string {
	msg := "provider error"
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s, status %d): %s", e.Kind, e.Provider, e.Model, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Provider, e.Model, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// wrap classifies cause and tags it with provider identity. A nil
// cause returns nil.
func wrap(provider, model string, status int, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{
		Kind:     classify(status, cause),
		Provider: provider,
		Model:    model,
		Status:   status,
		Cause:    cause,
	}
}

// classify maps an HTTP status (0 if none) and an error chain to an
// ErrorKind.
func classify(status int, err error) ErrorKind {
	switch {
	case status == 401, status == 402, status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	// Some SDK errors only surface through their message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "authentication"):
		return KindAuth
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "connection reset"):
		return KindNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	}
	return KindUnknown
}

// AsError unwraps err to a *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind.Retryable()
}

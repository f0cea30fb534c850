// Package models defines the persisted entities shared across the engine:
// rooms, workers, goals, decisions, tasks, watches, memory, wallets, and
// activity events. Types here carry JSON tags for the HTTP surface and are
// the vocabulary every internal package builds on.
package models

import "fmt"

// Kind identifies the category of a domain error, independent of its
// message. Callers branch on Kind, never on message text.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidState  Kind = "invalid_state"
	KindScope         Kind = "scope"
	KindRateLimited   Kind = "rate_limited"
	KindTimeout       Kind = "timeout"
	KindExecutorFail  Kind = "executor_failed"
	KindChainFail     Kind = "chain_failed"
	KindConflict      Kind = "conflict"
	KindUnauthorized  Kind = "unauthorized"
	KindInternal      Kind = "internal"
)

// Error is the engine's error type. It wraps an optional cause while
// exposing a stable Kind for programmatic handling.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with the given kind and formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error without discarding it.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// Is reports whether err carries the given Kind. It follows the standard
// errors.Is unwrap chain so wrapped errors still match.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

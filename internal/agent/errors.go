package agent

import (
	"errors"
	"fmt"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Sentinel errors for the Runner and tool executor.
var (
	// ErrNoProvider indicates the Runner was invoked without an LLM
	// backend configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a completion requested a tool that is
	// not in the registry — unknown names are never forwarded.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a single tool execution exceeded its
	// per-call deadline.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked; the panic is recovered
	// and surfaced as an error so one bad tool never takes the whole
	// loop down.
	ErrToolPanic = errors.New("tool panicked")
)

// ToolError carries the failing tool's identity alongside a
// models.Kind so callers (the Runner, the ConsoleLog writer) can
// classify the failure without parsing message text.
type ToolError struct {
	Name    string
	CallID  string
	Kind    models.Kind
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Name != "" {
		return fmt.Sprintf("tool %s: %s: %s", e.Name, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// NewToolError wraps cause as a ToolError for the named tool. The kind
// defaults to internal until WithKind refines it.
func NewToolError(name string, cause error) *ToolError {
	return &ToolError{Name: name, Kind: models.KindInternal, Cause: cause}
}

// WithKind sets the error's classification.
func (e *ToolError) WithKind(kind models.Kind) *ToolError {
	e.Kind = kind
	return e
}

// WithCallID records which tool call the failure belongs to.
func (e *ToolError) WithCallID(id string) *ToolError {
	e.CallID = id
	return e
}

// WithMessage overrides the rendered message while keeping the cause.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// AsToolError unwraps err to a *ToolError if one is in the chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsToolRetryable reports whether retrying the tool call may succeed.
// Only transient kinds qualify; invalid input or a missing tool will
// fail identically every time.
func IsToolRetryable(err error) bool {
	te, ok := AsToolError(err)
	if !ok {
		return false
	}
	switch te.Kind {
	case models.KindTimeout, models.KindRateLimited:
		return true
	}
	return false
}

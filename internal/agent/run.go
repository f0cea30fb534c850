package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// RunRequest is the Agent Executor's external contract: a model tag, a
// prompt, optional system prompt, the tool schema set available this
// turn, an optional session to resume, and the turn/time limits that
// bound a single invocation.
type RunRequest struct {
	Model           string
	Prompt          string
	SystemPrompt    string
	Tools           *ToolRegistry
	ResumeSessionID string
	MaxTurns        int
	Timeout         time.Duration

	// OnToolCall, when set, is invoked synchronously as each tool call
	// is applied, letting the caller (Agent Loop, Scheduler) commit the
	// mutation to its own Store transaction and stream a ConsoleLog
	// entry before the loop continues to the next turn.
	OnToolCall func(call models.ToolCall, result *ToolResult, err error)
}

// RunResult is the Agent Executor's output: the final text, the
// session id (new or continued), whether the run hit its timeout, and
// every tool call observed in order.
type RunResult struct {
	Text       string
	ExitCode   int
	DurationMs int64
	SessionID  string
	TimedOut   bool
	ToolCalls  []models.ToolCall
}

// Runner drives one Agent Executor invocation: a bounded loop of
// provider completions interleaved with tool execution, terminating
// when the model stops requesting tools, MaxTurns is reached, or the
// timeout elapses.
type Runner struct {
	Provider LLMProvider
	Executor *Executor
}

// NewRunner wires a provider and a tool executor into a Runner.
func NewRunner(provider LLMProvider, executor *Executor) *Runner {
	return &Runner{Provider: provider, Executor: executor}
}

// Run executes req to completion, applying tool calls as they are
// requested and feeding their results back to the model for up to
// MaxTurns round-trips.
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if r.Provider == nil {
		return nil, ErrNoProvider
	}
	start := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sessionID := req.ResumeSessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	messages := []CompletionMessage{{Role: "user", Content: req.Prompt}}
	result := &RunResult{SessionID: sessionID}

	var tools []Tool
	if req.Tools != nil {
		tools = req.Tools.Schemas()
	}

	for turn := 0; turn < maxTurns; turn++ {
		chunks, err := r.Provider.Complete(runCtx, &CompletionRequest{
			Model:    req.Model,
			System:   req.SystemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				result.TimedOut = true
				result.ExitCode = 1
				result.DurationMs = time.Since(start).Milliseconds()
				return result, nil
			}
			return nil, err
		}

		var text string
		var calls []models.ToolCall
		for chunk := range chunks {
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Text != "" {
				text += chunk.Text
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}
		result.Text = text

		if len(calls) == 0 {
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}

		result.ToolCalls = append(result.ToolCalls, calls...)
		assistantMsg := CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls}
		messages = append(messages, assistantMsg)

		execResults := r.Executor.ExecuteAll(runCtx, calls)
		toolMsg := CompletionMessage{Role: "tool", ToolResults: ResultsToMessages(execResults)}
		messages = append(messages, toolMsg)

		if req.OnToolCall != nil {
			for _, er := range execResults {
				call := models.ToolCall{ID: er.ToolCallID, Name: er.ToolName}
				req.OnToolCall(call, er.Result, er.Error)
			}
		}

		if runCtx.Err() != nil {
			result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

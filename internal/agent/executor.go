package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// ExecutorConfig bounds how the tool executor runs the calls a single
// completion turn requests.
type ExecutorConfig struct {
	// MaxConcurrency caps how many tool calls run in parallel within
	// one turn. Default 5.
	MaxConcurrency int

	// DefaultTimeout bounds a single tool execution. Default 30s.
	DefaultTimeout time.Duration

	// Retries is how many times a retryable failure (timeout,
	// rate-limit) is reattempted. Default 2.
	Retries int

	// RetryBackoff is the initial delay between attempts, doubled per
	// attempt and capped at MaxRetryBackoff. Defaults 100ms / 5s.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the defaults above.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		Retries:         2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Executor applies the tool calls a completion requested: each call is
// looked up in the registry, run under its own deadline with panic
// recovery, and retried on transient failure. A semaphore keeps one
// turn from fanning out unboundedly.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	sem      chan struct{}

	executions atomic.Int64
	failures   atomic.Int64
	timeouts   atomic.Int64
}

// NewExecutor builds an Executor over registry. A nil config uses
// DefaultExecutorConfig.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecutionResult is the outcome of one tool call: either Result or
// Error is set, never both.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll runs calls concurrently (bounded by MaxConcurrency) and
// returns results in input order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call with timeout, panic recovery, and retry
// on transient failure.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		res.Error = NewToolError(call.Name, ctx.Err()).WithKind(models.KindTimeout).WithCallID(call.ID)
		res.Duration = time.Since(start)
		return res
	}

	backoff := e.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.config.Retries; attempt++ {
		res.Attempts = attempt + 1

		out, err := e.executeOnce(ctx, call)
		if err == nil {
			e.executions.Add(1)
			res.Result = out
			res.Duration = time.Since(start)
			return res
		}
		lastErr = err

		if !IsToolRetryable(err) || ctx.Err() != nil || attempt >= e.config.Retries {
			break
		}
		sleep := backoff * time.Duration(1<<uint(attempt))
		if e.config.MaxRetryBackoff > 0 && sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).WithKind(models.KindTimeout).WithCallID(call.ID)
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.executions.Add(1)
	e.failures.Add(1)
	if te, ok := AsToolError(lastErr); ok && te.Kind == models.KindTimeout {
		e.timeouts.Add(1)
	}
	res.Error = lastErr
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) executeOnce(ctx context.Context, call models.ToolCall) (*ToolResult, error) {
	timeout := e.config.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ToolResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithKind(models.KindInternal).WithCallID(call.ID)
				ch <- outcome{err: err}
			}
		}()
		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			if _, ok := AsToolError(err); !ok {
				err = NewToolError(call.Name, err).WithCallID(call.ID)
			}
			ch <- outcome{err: err}
			return
		}
		ch <- outcome{result: result}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithKind(models.KindTimeout).WithCallID(call.ID).WithMessage("cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithKind(models.KindTimeout).WithCallID(call.ID).
			WithMessage(fmt.Sprintf("timed out after %s", timeout))
	}
}

// MetricsSnapshot is a point-in-time copy of the executor counters.
type MetricsSnapshot struct {
	Executions int64
	Failures   int64
	Timeouts   int64
}

// Metrics returns the current counters.
func (e *Executor) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Executions: e.executions.Load(),
		Failures:   e.failures.Load(),
		Timeouts:   e.timeouts.Load(),
	}
}

// ResultsToMessages renders execution results as the tool-result
// messages fed back into the next completion turn. Failures become
// IsError results so the model can see what went wrong and adjust.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for i, r := range results {
		switch {
		case r.Error != nil:
			out[i] = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
		case r.Result != nil:
			out[i] = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Result.Content, IsError: r.Result.IsError}
		}
	}
	return out
}

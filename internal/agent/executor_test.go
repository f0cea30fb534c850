package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool" }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return f.execute(ctx, params)
}

func newTestExecutor(tools ...Tool) *Executor {
	reg := NewToolRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	cfg := DefaultExecutorConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 2 * time.Millisecond
	return NewExecutor(reg, cfg)
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(&fakeTool{name: "echo", execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: string(params)}, nil
	}})

	res := e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "echo", Input: json.RawMessage(`{"x":1}`)})
	require.NoError(t, res.Error)
	require.Equal(t, `{"x":1}`, res.Result.Content)
	require.Equal(t, 1, res.Attempts)
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor()
	res := e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "missing"})
	require.Error(t, res.Error)

	te, ok := AsToolError(res.Error)
	require.True(t, ok)
	require.Equal(t, models.KindInvalidInput, te.Kind)
	require.ErrorIs(t, res.Error, ErrToolNotFound)
}

func TestExecuteRecoverPanic(t *testing.T) {
	e := newTestExecutor(&fakeTool{name: "boom", execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
		panic("kaboom")
	}})
	res := e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "boom"})
	require.Error(t, res.Error)
	require.ErrorIs(t, res.Error, ErrToolPanic)
}

func TestExecuteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(&fakeTool{name: "flaky", execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
		if calls.Add(1) < 3 {
			return nil, NewToolError("flaky", errors.New("busy")).WithKind(models.KindRateLimited)
		}
		return &ToolResult{Content: "done"}, nil
	}})

	res := e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "flaky"})
	require.NoError(t, res.Error)
	require.Equal(t, 3, res.Attempts)
}

func TestExecuteDoesNotRetryTerminal(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(&fakeTool{name: "strict", execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
		calls.Add(1)
		return nil, NewToolError("strict", errors.New("bad args")).WithKind(models.KindInvalidInput)
	}})

	res := e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "strict"})
	require.Error(t, res.Error)
	require.EqualValues(t, 1, calls.Load())
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	e := newTestExecutor(
		&fakeTool{name: "slow", execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			time.Sleep(10 * time.Millisecond)
			return &ToolResult{Content: "slow"}, nil
		}},
		&fakeTool{name: "fast", execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "fast"}, nil
		}},
	)

	results := e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "a", Name: "slow"},
		{ID: "b", Name: "fast"},
	})
	require.Len(t, results, 2)
	require.Equal(t, "slow", results[0].Result.Content)
	require.Equal(t, "fast", results[1].Result.Content)
}

func TestResultsToMessages(t *testing.T) {
	msgs := ResultsToMessages([]*ExecutionResult{
		{ToolCallID: "a", Result: &ToolResult{Content: "ok"}},
		{ToolCallID: "b", Error: NewToolError("x", errors.New("failed")).WithKind(models.KindScope)},
	})
	require.Len(t, msgs, 2)
	require.False(t, msgs[0].IsError)
	require.True(t, msgs[1].IsError)
	require.Contains(t, msgs[1].Content, "scope")
}

func TestMetricsCountFailures(t *testing.T) {
	e := newTestExecutor(&fakeTool{name: "bad", execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
		return nil, NewToolError("bad", errors.New("no")).WithKind(models.KindInvalidState)
	}})
	e.Execute(context.Background(), models.ToolCall{ID: "1", Name: "bad"})

	m := e.Metrics()
	require.EqualValues(t, 1, m.Executions)
	require.EqualValues(t, 1, m.Failures)
}

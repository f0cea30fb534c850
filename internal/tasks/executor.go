package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// maxLearnedContext bounds the distilled context carried from one
// session-continuity run into the next.
const maxLearnedContext = 2000

// ToolRegistryBuilder constructs the room/worker-scoped tool registry a
// task run should execute with, mirroring the registry the Agent Loop
// builds for a live cycle.
type ToolRegistryBuilder func(ctx context.Context, task *models.Task) (*agent.ToolRegistry, error)

// AgentExecutor implements tasks.Executor by driving one agent.Runner
// invocation per TaskRun, streaming every tool call into the run's
// ConsoleLog and persisting session continuity when configured.
type AgentExecutor struct {
	store   *store.Store
	runner  *agent.Runner
	tools   ToolRegistryBuilder
	model   string
	logger  *slog.Logger
}

// NewAgentExecutor wires a Store, Runner, and tool registry builder into
// an Executor. model is the default model tag used when a task does not
// set ExecutorTag.
func NewAgentExecutor(s *store.Store, runner *agent.Runner, tools ToolRegistryBuilder, model string, logger *slog.Logger) *AgentExecutor {
	if logger == nil {
		logger = slog.Default().With("component", "task-executor")
	}
	return &AgentExecutor{store: s, runner: runner, tools: tools, model: model, logger: logger}
}

// Execute runs task's prompt through the Agent Executor, logging every
// tool call to the run's console transcript and, for session-continuity
// tasks, distilling the result into LearnedContext for the next run.
func (e *AgentExecutor) Execute(ctx context.Context, task *models.Task, run *models.TaskRun) (string, error) {
	registry, err := e.tools(ctx, task)
	if err != nil {
		return "", fmt.Errorf("build tool registry: %w", err)
	}

	prompt := task.Prompt
	if task.LearnedContext != "" {
		prompt = fmt.Sprintf("Context carried from previous runs:\n%s\n\n%s", task.LearnedContext, task.Prompt)
	}

	var resumeID string
	if task.SessionContinuity {
		resumeID = task.SessionID
	}

	model := task.ExecutorTag
	if model == "" {
		model = e.model
	}
	maxTurns := task.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	var seq int64
	logFailure := false
	result, err := e.runner.Run(ctx, &agent.RunRequest{
		Model:           model,
		Prompt:          prompt,
		Tools:           registry,
		ResumeSessionID: resumeID,
		MaxTurns:        maxTurns,
		Timeout:         task.EffectiveTimeout(),
		OnToolCall: func(call models.ToolCall, res *agent.ToolResult, callErr error) {
			seq++
			content := call.Name
			if b, mErr := json.Marshal(call); mErr == nil {
				content = string(b)
			}
			if logErr := e.store.AppendConsoleLog(ctx, &models.ConsoleLog{RunID: run.ID, Seq: seq, EntryType: models.LogToolCall, Content: content}); logErr != nil && !logFailure {
				logFailure = true
				e.logger.Warn("failed to append console log", "run_id", run.ID, "error", logErr)
			}

			seq++
			resultContent := ""
			entryType := models.LogToolResult
			switch {
			case callErr != nil:
				resultContent = callErr.Error()
			case res != nil:
				resultContent = res.Content
			}
			_ = e.store.AppendConsoleLog(ctx, &models.ConsoleLog{RunID: run.ID, Seq: seq, EntryType: entryType, Content: resultContent})
		},
	})
	if err != nil {
		return "", fmt.Errorf("run agent: %w", err)
	}

	seq++
	_ = e.store.AppendConsoleLog(ctx, &models.ConsoleLog{RunID: run.ID, Seq: seq, EntryType: models.LogAssistant, Content: result.Text})

	if result.TimedOut {
		return result.Text, models.NewError(models.KindTimeout, "task run %d timed out after %s", run.ID, task.EffectiveTimeout())
	}

	if task.SessionContinuity {
		task.SessionID = result.SessionID
		if err := e.store.UpdateTask(ctx, task); err != nil {
			e.logger.Warn("failed to persist session continuity", "task_id", task.ID, "error", err)
		}
	}
	e.maybeDistill(ctx, task, result.Text)

	return result.Text, nil
}

// Distillation cadence: a memo is first produced after the
// distillAfter-th successful run of a recurring task, then refreshed
// every distillEvery successes, from the distillWindow most recent
// results.
const (
	distillAfter  = 3
	distillEvery  = 5
	distillWindow = 3
)

// maybeDistill refreshes the task's learned-context memo when the
// success count hits the cadence. The memo itself comes from a
// single-turn Executor call over the recent results; any failure here
// is logged and swallowed — distillation is an optimization, never a
// reason to fail the run that triggered it.
func (e *AgentExecutor) maybeDistill(ctx context.Context, task *models.Task, latestResult string) {
	if task.TriggerType != models.TriggerCron {
		return
	}
	successes := task.RunCount + 1 // this run completes after we return
	if successes < distillAfter {
		return
	}
	if successes != distillAfter && (successes-distillAfter)%distillEvery != 0 {
		return
	}

	completed := models.RunCompleted
	prior, err := e.store.ListExecutions(ctx, task.ID, store.ListExecutionsOptions{
		Status: &completed, Limit: distillWindow - 1,
	})
	if err != nil {
		e.logger.Warn("distill: list runs", "task_id", task.ID, "error", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "These are the most recent results of the recurring task %q:\n\n", task.Name)
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Result != "" {
			fmt.Fprintf(&b, "---\n%s\n", prior[i].Result)
		}
	}
	fmt.Fprintf(&b, "---\n%s\n\n", latestResult)
	fmt.Fprintf(&b, "Write a short memo (at most %d characters) of durable context the next run should know: stable facts, formats that worked, pitfalls to avoid. Output only the memo.", maxLearnedContext)

	res, err := e.runner.Run(ctx, &agent.RunRequest{
		Model:    e.model,
		Prompt:   b.String(),
		MaxTurns: 1,
	})
	if err != nil {
		e.logger.Warn("distill: executor", "task_id", task.ID, "error", err)
		return
	}

	memo := strings.TrimSpace(res.Text)
	if len(memo) > maxLearnedContext {
		memo = memo[:maxLearnedContext]
	}
	if memo == "" {
		return
	}
	task.LearnedContext = memo
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Warn("distill: persist memo", "task_id", task.ID, "error", err)
	}
}

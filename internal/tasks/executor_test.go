package tasks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/internal/tasks"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// stubProvider is a minimal agent.LLMProvider that returns fixed text and
// no tool calls, ending the Runner loop after one turn.
type stubProvider struct {
	text string
}

func (p *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}
func (p *stubProvider) Name() string         { return "stub" }
func (p *stubProvider) Models() []agent.Model { return nil }
func (p *stubProvider) SupportsTools() bool  { return false }

func TestAgentExecutor_Execute(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID:      roomID,
		Name:        "greet",
		Prompt:      "say hi",
		TriggerType: models.TriggerManual,
		Status:      models.TaskActive,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	registry := agent.NewToolRegistry()
	runner := agent.NewRunner(&stubProvider{text: "hi there"}, agent.NewExecutor(registry, nil))

	exec := tasks.NewAgentExecutor(s, runner, func(ctx context.Context, t *models.Task) (*agent.ToolRegistry, error) {
		return registry, nil
	}, "default-model", nil)

	result, err := exec.Execute(ctx, task, run)
	require.NoError(t, err)
	require.Equal(t, "hi there", result)

	logs, err := s.ListConsoleLogs(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestAgentExecutor_SessionContinuity(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID:            roomID,
		Name:              "ongoing",
		Prompt:            "keep going",
		TriggerType:       models.TriggerManual,
		Status:            models.TaskActive,
		SessionContinuity: true,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	registry := agent.NewToolRegistry()
	runner := agent.NewRunner(&stubProvider{text: "progress update"}, agent.NewExecutor(registry, nil))

	exec := tasks.NewAgentExecutor(s, runner, func(ctx context.Context, t *models.Task) (*agent.ToolRegistry, error) {
		return registry, nil
	}, "default-model", nil)

	_, err := exec.Execute(ctx, task, run)
	require.NoError(t, err)

	updated, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.SessionID)
	require.Empty(t, updated.LearnedContext, "manual tasks do not distill")

	// Run 2 resumes the stored session.
	run2 := &models.TaskRun{TaskID: updated.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run2))
	_, err = exec.Execute(ctx, updated, run2)
	require.NoError(t, err)

	again, err := s.GetTask(ctx, updated.ID)
	require.NoError(t, err)
	require.Equal(t, updated.SessionID, again.SessionID, "session id persists across runs")
}

func TestAgentExecutor_DistillsLearnedContext(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID:         roomID,
		Name:           "digest",
		Prompt:         "summarize yesterday",
		TriggerType:    models.TriggerCron,
		CronExpression: "0 9 * * *",
		Status:         models.TaskActive,
		RunCount:       2, // this run is the 3rd success, hitting the cadence
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	registry := agent.NewToolRegistry()
	runner := agent.NewRunner(&stubProvider{text: "stable facts: report format v2 works"}, agent.NewExecutor(registry, nil))
	exec := tasks.NewAgentExecutor(s, runner, func(ctx context.Context, t *models.Task) (*agent.ToolRegistry, error) {
		return registry, nil
	}, "default-model", nil)

	_, err := exec.Execute(ctx, task, run)
	require.NoError(t, err)

	updated, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "stable facts: report format v2 works", updated.LearnedContext)
}

func TestAgentExecutor_LearnedContextPrefixesPrompt(t *testing.T) {
	s := openTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	task := &models.Task{
		RoomID:         roomID,
		Name:           "digest",
		Prompt:         "summarize yesterday",
		TriggerType:    models.TriggerCron,
		CronExpression: "0 9 * * *",
		Status:         models.TaskActive,
		LearnedContext: "the report lives in /var/reports",
	}
	require.NoError(t, s.CreateTask(ctx, task))
	run := &models.TaskRun{TaskID: task.ID, Status: models.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateExecution(ctx, run))

	var seenPrompt string
	provider := &capturingProvider{text: "ok", capture: func(req *agent.CompletionRequest) {
		if seenPrompt == "" && len(req.Messages) > 0 {
			seenPrompt = req.Messages[0].Content
		}
	}}
	registry := agent.NewToolRegistry()
	runner := agent.NewRunner(provider, agent.NewExecutor(registry, nil))
	exec := tasks.NewAgentExecutor(s, runner, func(ctx context.Context, t *models.Task) (*agent.ToolRegistry, error) {
		return registry, nil
	}, "default-model", nil)

	_, err := exec.Execute(ctx, task, run)
	require.NoError(t, err)
	require.Contains(t, seenPrompt, "the report lives in /var/reports")
	require.Contains(t, seenPrompt, "summarize yesterday")
}

// capturingProvider records each request before answering like
// stubProvider.
type capturingProvider struct {
	text    string
	capture func(req *agent.CompletionRequest)
}

func (p *capturingProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.capture != nil {
		p.capture(req)
	}
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}
func (p *capturingProvider) Name() string          { return "capturing" }
func (p *capturingProvider) Models() []agent.Model { return nil }
func (p *capturingProvider) SupportsTools() bool   { return false }

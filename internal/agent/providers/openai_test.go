package providers

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

type stubTool struct {
	name, desc string
	schema     string
}

func (s *stubTool) Name() string             { return s.name }
func (s *stubTool) Description() string      { return s.desc }
func (s *stubTool) Schema() json.RawMessage  { return json.RawMessage(s.schema) }
func (s *stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func newTestOpenAI(t *testing.T) *OpenAI {
	t.Helper()
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	require.NoError(t, err)
	return p
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	require.Error(t, err)
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := newTestOpenAI(t)

	msgs := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "do the thing"},
		{Role: "assistant", Content: "on it", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "set_goal", Input: json.RawMessage(`{"description":"ship"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "call-1", Content: `{"id":1}`},
		}},
	}, "you are the queen")

	require.Len(t, msgs, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	require.Equal(t, "you are the queen", msgs[0].Content)
	require.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)

	require.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	require.Equal(t, "set_goal", msgs[2].ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"description":"ship"}`, msgs[2].ToolCalls[0].Function.Arguments)

	require.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	require.Equal(t, "call-1", msgs[3].ToolCallID)
}

func TestOpenAIConvertMessagesNoSystem(t *testing.T) {
	p := newTestOpenAI(t)
	msgs := p.convertMessages([]agent.CompletionMessage{{Role: "user", Content: "hi"}}, "")
	require.Len(t, msgs, 1)
	require.Equal(t, openai.ChatMessageRoleUser, msgs[0].Role)
}

func TestOpenAIConvertTools(t *testing.T) {
	p := newTestOpenAI(t)
	tools := p.convertTools([]agent.Tool{
		&stubTool{name: "vote", desc: "cast a ballot", schema: `{"type":"object","properties":{"value":{"type":"string"}}}`},
	})
	require.Len(t, tools, 1)
	require.Equal(t, openai.ToolTypeFunction, tools[0].Type)
	require.Equal(t, "vote", tools[0].Function.Name)
	require.Equal(t, "cast a ballot", tools[0].Function.Description)
}

func TestOpenAIDefaultModel(t *testing.T) {
	p := newTestOpenAI(t)
	require.Equal(t, defaultOpenAIModel, p.model(""))
	require.Equal(t, "gpt-4o-mini", p.model("gpt-4o-mini"))
}

func TestOpenAIWrapAPIError(t *testing.T) {
	p := newTestOpenAI(t)
	err := p.wrapError(&openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, "gpt-4o")
	pe, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindRateLimited, pe.Kind)
	require.Equal(t, "openai", pe.Provider)
}

package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

func newTestAnthropic(t *testing.T) *Anthropic {
	t.Helper()
	p, err := NewAnthropic(AnthropicConfig{APIKey: "test-key"})
	require.NoError(t, err)
	return p
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	require.Error(t, err)
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := newTestAnthropic(t)

	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "plan the week"},
		{Role: "assistant", Content: "decomposing", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "create_subgoal", Input: json.RawMessage(`{"parent_goal_id":1,"descriptions":["a"]}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "call-1", Content: `[{"id":2}]`},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "user", string(msgs[0].Role))
	require.Equal(t, "assistant", string(msgs[1].Role))
	// Tool results ride in a user-role message per the API's pairing rules.
	require.Equal(t, "user", string(msgs[2].Role))
}

func TestAnthropicConvertMessagesRejectsBadToolInput(t *testing.T) {
	p := newTestAnthropic(t)
	_, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "x", Name: "vote", Input: json.RawMessage(`{broken`)},
		}},
	})
	require.Error(t, err)
}

func TestAnthropicConvertMessagesSkipsEmpty(t *testing.T) {
	p := newTestAnthropic(t)
	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: ""},
		{Role: "user", Content: "real"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestAnthropicConvertTools(t *testing.T) {
	p := newTestAnthropic(t)
	tools, err := p.convertTools([]agent.Tool{
		&stubTool{name: "propose", desc: "open a decision", schema: `{"type":"object","properties":{"proposal":{"type":"string"}},"required":["proposal"]}`},
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	require.Equal(t, "propose", string(tools[0].OfTool.Name))
}

func TestAnthropicConvertToolsRejectsBadSchema(t *testing.T) {
	p := newTestAnthropic(t)
	_, err := p.convertTools([]agent.Tool{&stubTool{name: "bad", schema: `nope`}})
	require.Error(t, err)
}

func TestAnthropicBuildParams(t *testing.T) {
	p := newTestAnthropic(t)
	params, err := p.buildParams(&agent.CompletionRequest{
		System:   "you coordinate the room",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}, p.model(""))
	require.NoError(t, err)
	require.Equal(t, defaultAnthropicModel, string(params.Model))
	require.EqualValues(t, 4096, params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "you coordinate the room", params.System[0].Text)
}

func TestAnthropicDefaultModel(t *testing.T) {
	p := newTestAnthropic(t)
	require.Equal(t, defaultAnthropicModel, p.model(""))
	require.Equal(t, "claude-3-5-haiku-20241022", p.model("claude-3-5-haiku-20241022"))
}

package agent

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// LLMProvider is the backend half of the Agent Executor contract: one
// implementation per LLM API, each presenting the same streaming
// completion surface to the Runner. Implementations must be safe for
// concurrent use — several worker loops and task runs share one
// provider instance.
type LLMProvider interface {
	// Complete sends one completion request and streams the response
	// back as chunks. The returned channel is closed when the stream
	// ends; a mid-stream failure is delivered as a chunk with Err set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider tag ("anthropic", "openai").
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider can accept a tool
	// schema set. A provider without tool support still serves
	// text-only invocations such as learned-context distillation.
	SupportsTools() bool
}

// CompletionRequest is one turn's worth of input to a provider: the
// conversation so far, the worker's system prompt, and the tool schema
// set available this cycle.
type CompletionRequest struct {
	// Model is the provider-specific model tag. Empty selects the
	// provider's default.
	Model string `json:"model"`

	// System is the worker's system prompt, carried separately from
	// the message history as most LLM APIs require.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order; at least
	// one entry (the prompt envelope) is required.
	Messages []CompletionMessage `json:"messages"`

	// Tools is the schema set the model may call into. Empty means a
	// plain text completion.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 uses the provider
	// default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single message in the conversation: a user
// envelope, an assistant reply (possibly carrying tool calls), or a
// batch of tool results being fed back. Role is "user", "assistant",
// or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one streamed increment of a provider response:
// partial text, a fully assembled tool call, or the terminal Done
// marker carrying token usage. Err terminates the stream.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Err      error            `json:"-"`

	// InputTokens/OutputTokens are populated on the Done chunk only.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one servable model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is one entry in the closed tool surface an agent may call: a
// name, a natural-language description the model selects on, a JSON
// Schema for its arguments, and the Execute hook that applies it.
//
// Execute returns a *ToolResult even for domain failures — a scope
// violation or invalid argument comes back as IsError content the
// model can react to. A non-nil error is reserved for infrastructure
// faults (panic, timeout, registry miss) the Runner itself handles.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's output as handed back to the model.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

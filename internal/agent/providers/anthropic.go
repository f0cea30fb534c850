package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// defaultAnthropicModel is used when a request carries no model tag
// and no override was configured.
const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events
// are tolerated before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// Anthropic serves completions through the official Anthropic SDK.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	retry        retrier
}

// AnthropicConfig configures an Anthropic backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewAnthropic builds an Anthropic provider. The API key is required;
// BaseURL overrides the default endpoint for proxies.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *Anthropic) Name() string        { return "anthropic" }
func (p *Anthropic) SupportsTools() bool { return true }

func (p *Anthropic) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude Haiku 3.5", ContextSize: 200000},
	}
}

// Complete opens a streaming message request and converts the SSE
// events into CompletionChunks. Stream creation is retried for
// transient failures; mid-stream failures terminate with an Err chunk.
func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, wrap(p.Name(), model, 0, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.retry.do(ctx, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if streamErr := stream.Err(); streamErr != nil {
				return p.wrapError(streamErr, model)
			}
			return nil
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Err: err}
			return
		}
		p.consume(stream, chunks, model)
	}()
	return chunks, nil
}

func (p *Anthropic) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// consume walks the SSE stream, assembling tool-call input fragments
// into complete ToolCalls and forwarding text deltas as they arrive.
func (p *Anthropic) consume(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var (
		toolCall   *models.ToolCall
		toolInput  strings.Builder
		emptyCount int
		inputTok   int
		outputTok  int
	)

	for stream.Next() {
		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTok = int(start.Message.Usage.InputTokens)
			}
			handled = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				handled = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					handled = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					handled = true
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Input = json.RawMessage(toolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: toolCall}
				toolCall = nil
				handled = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTok = int(delta.Usage.OutputTokens)
			}
			handled = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTok, OutputTokens: outputTok}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if handled {
			emptyCount = 0
		} else if emptyCount++; emptyCount >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{Err: p.wrapError(
				fmt.Errorf("malformed stream: %d consecutive empty events", emptyCount), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: p.wrapError(err, model)}
	}
}

// convertMessages maps the engine's message history onto Anthropic's
// content-block format. Tool results travel in user-role messages,
// tool calls in assistant-role messages, matching the API's pairing
// rules.
func (p *Anthropic) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (p *Anthropic) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		out = append(out, param)
	}
	return out, nil
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies SDK errors, pulling the HTTP status out of
// *anthropic.Error when present.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return wrap(p.Name(), model, apiErr.StatusCode, err)
	}
	return wrap(p.Name(), model, 0, err)
}

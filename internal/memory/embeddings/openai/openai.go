// Package openai implements embeddings.Provider on top of OpenAI's
// embeddings endpoint, the same SDK the Agent Executor's OpenAI backend
// uses for completions.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Config configures the OpenAI embedding provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Provider embeds text via OpenAI's text-embedding-3-small model by
// default (1536 dimensions).
type Provider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// New builds a Provider. An empty APIKey is accepted so the memory
// component can start up without an embedding backend configured; calls
// then fail with a descriptive error rather than panicking.
func New(cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		dim:    dimensionFor(cfg.Model),
	}, nil
}

func dimensionFor(model string) int {
	switch model {
	case string(openai.LargeEmbedding3):
		return 3072
	case string(openai.AdaEmbeddingV2):
		return 1536
	default: // text-embedding-3-small and unrecognized tags
		return 1536
	}
}

func (p *Provider) Name() string     { return "openai" }
func (p *Provider) Dimension() int   { return p.dim }
func (p *Provider) MaxBatchSize() int { return 2048 }

// Embed returns the embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds up to MaxBatchSize texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.client == nil {
		return nil, fmt.Errorf("openai embeddings: no client configured")
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

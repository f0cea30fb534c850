// Package embeddings defines the text-to-vector provider contract the
// memory Manager embeds queries and entries through before handing them
// to a backend.Backend for storage or similarity search.
package embeddings

import "context"

// Provider turns text into fixed-dimension float32 vectors.
type Provider interface {
	// Embed returns the embedding for a single piece of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds many texts in as few round-trips as the backend
	// allows; callers should chunk by MaxBatchSize before calling.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the length of every vector this provider emits.
	Dimension() int

	// MaxBatchSize caps how many texts a single EmbedBatch call accepts.
	MaxBatchSize() int

	// Name identifies the provider in logs and diagnostics.
	Name() string
}

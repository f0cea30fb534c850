// Package backend defines the storage contract behind the semantic
// memory index: embeddings in, scored neighbors out.
package backend

import (
	"context"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Backend stores embedded entries and answers nearest-neighbor
// queries. One implementation (sqlitevec) ships with the engine; the
// interface keeps the door open for an external vector service.
type Backend interface {
	// Index upserts entries, embeddings included.
	Index(ctx context.Context, entries []*models.MemoryEntry) error

	// Search returns entries ranked by similarity to embedding,
	// filtered to opts.Scope/ScopeID.
	Search(ctx context.Context, embedding []float32, opts *SearchOptions) ([]*models.SearchResult, error)

	// Delete removes entries by id; unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count reports how many entries live in a scope.
	Count(ctx context.Context, scope models.MemoryScope, scopeID string) (int64, error)

	// Compact reclaims storage after heavy deletion.
	Compact(ctx context.Context) error

	Close() error
}

// SearchOptions filters and bounds one Search call.
type SearchOptions struct {
	Scope   models.MemoryScope
	ScopeID string
	Limit   int

	// Threshold drops results scoring below it; 0 keeps everything.
	Threshold float32
}

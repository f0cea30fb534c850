// Package memory implements the room Memory component: the
// entity/observation/relation store with hybrid recall, plus the
// optional semantic vector index (the MemorySearch collaborator) that
// backs recall's second scoring channel.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quoroom-dev/quoroom/internal/memory/backend"
	"github.com/quoroom-dev/quoroom/internal/memory/backend/sqlitevec"
	"github.com/quoroom-dev/quoroom/internal/memory/embeddings"
	"github.com/quoroom-dev/quoroom/internal/memory/embeddings/openai"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Manager owns the vector index: it embeds content on the way in and
// queries on the way out, caching query embeddings so repeated recalls
// of the same phrase cost one API call.
type Manager struct {
	backend  backend.Backend
	embedder embeddings.Provider
	config   *Config
	cache    *embeddingCache
	mu       sync.RWMutex
}

// Config enables and tunes the semantic index.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Dimension must match the embedding model's output width; 0
	// takes the embedder's native dimension.
	Dimension int `yaml:"dimension"`

	// Path is the index's SQLite file; empty keeps it in memory.
	Path string `yaml:"path"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`

	// MinContentLength skips embedding trivially short content.
	MinContentLength int `yaml:"min_content_length"`

	// BatchSize caps one embedding API call.
	BatchSize int `yaml:"batch_size"`

	// DefaultLimit and DefaultThreshold apply when a search request
	// leaves them unset.
	DefaultLimit     int     `yaml:"default_limit"`
	DefaultThreshold float32 `yaml:"default_threshold"`
}

// EmbeddingsConfig selects the embedding provider. Only OpenAI's
// embeddings endpoint is wired; the Agent Executor already depends on
// the same SDK for completions.
type EmbeddingsConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// NewManager builds the semantic index. A disabled or nil config
// returns (nil, nil) — callers treat a nil Manager as "no semantic
// backend" and recall degrades to FTS alone, never a hard failure.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 10
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = 0.7
	}

	emb, err := openai.New(openai.Config{
		APIKey:  cfg.Embeddings.APIKey,
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: embedder: %w", err)
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = emb.Dimension()
	}
	if emb.Dimension() != cfg.Dimension {
		return nil, fmt.Errorf("memory: dimension mismatch: config=%d embedder=%d", cfg.Dimension, emb.Dimension())
	}

	b, err := sqlitevec.New(sqlitevec.Config{Path: cfg.Path, Dimension: cfg.Dimension})
	if err != nil {
		return nil, fmt.Errorf("memory: backend: %w", err)
	}

	return &Manager{
		backend:  b,
		embedder: emb,
		config:   cfg,
		cache:    newEmbeddingCache(1000),
	}, nil
}

// Index embeds and stores entries. Entries already carrying an
// embedding, or too short to be worth embedding, pass straight
// through.
func (m *Manager) Index(ctx context.Context, entries []*models.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var pending []*models.MemoryEntry
	for _, e := range entries {
		if len(e.Embedding) == 0 && len(e.Content) >= m.config.MinContentLength {
			pending = append(pending, e)
		}
	}

	batchSize := m.embedder.MaxBatchSize()
	if m.config.BatchSize > 0 && m.config.BatchSize < batchSize {
		batchSize = m.config.BatchSize
	}
	for i := 0; i < len(pending); i += batchSize {
		end := min(i+batchSize, len(pending))
		batch := pending[i:end]

		texts := make([]string, len(batch))
		for j, e := range batch {
			texts[j] = e.Content
		}
		vecs, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("memory: embed batch: %w", err)
		}
		for j, e := range batch {
			e.Embedding = vecs[j]
		}
	}

	return m.backend.Index(ctx, entries)
}

// Search embeds the query (cached per scope+query) and asks the
// backend for neighbors.
func (m *Manager) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()

	if req.Limit <= 0 {
		req.Limit = m.config.DefaultLimit
	}
	if req.Threshold == 0 {
		req.Threshold = m.config.DefaultThreshold
	}
	if req.Scope == "" {
		req.Scope = models.ScopeRoom
	}

	cacheKey := fmt.Sprintf("%s/%s:%s", req.Scope, req.ScopeID, req.Query)
	embed, ok := m.cache.get(cacheKey)
	if !ok {
		var err error
		embed, err = m.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query: %w", err)
		}
		m.cache.set(cacheKey, embed)
	}

	results, err := m.backend.Search(ctx, embed, &backend.SearchOptions{
		Scope:     req.Scope,
		ScopeID:   req.ScopeID,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	return &models.SearchResponse{Results: results, QueryTime: time.Since(start)}, nil
}

// Delete removes entries by id.
func (m *Manager) Delete(ctx context.Context, ids []string) error {
	return m.backend.Delete(ctx, ids)
}

// Count reports how many entries live in scope.
func (m *Manager) Count(ctx context.Context, scope models.MemoryScope, scopeID string) (int64, error) {
	return m.backend.Count(ctx, scope, scopeID)
}

// Compact reclaims backend storage.
func (m *Manager) Compact(ctx context.Context) error {
	return m.backend.Compact(ctx)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// embeddingCache is a small FIFO-evicting cache of query embeddings.
type embeddingCache struct {
	mu       sync.RWMutex
	items    map[string][]float32
	order    []string
	capacity int
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{items: make(map[string][]float32), capacity: capacity}
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *embeddingCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = value
}

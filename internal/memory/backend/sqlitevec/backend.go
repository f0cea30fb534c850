// Package sqlitevec stores embeddings in a plain SQLite table and
// scores them in-process with cosine similarity. At the scale of one
// engine's rooms a linear scan over a scope is faster than maintaining
// an ANN structure, and it keeps the index on the same cgo-free driver
// as the main store.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quoroom-dev/quoroom/internal/memory/backend"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// defaultDimension matches the 384-dim MiniLM-class embeddings the
// semantic index is specified for.
const defaultDimension = 384

// Backend implements backend.Backend over a SQLite file.
type Backend struct {
	db        *sql.DB
	dimension int
}

// Config locates and sizes the index.
type Config struct {
	// Path is the database file; empty uses an in-memory index.
	Path string

	// Dimension is the embedding width; entries of any other width
	// are rejected at index time.
	Dimension int
}

// New opens (creating if necessary) the index at cfg.Path.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = defaultDimension
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open: %w", err)
	}

	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_scope ON vectors(scope, scope_id);
	`)
	if err != nil {
		return fmt.Errorf("sqlitevec: init schema: %w", err)
	}
	return nil
}

// Index upserts entries in one transaction. Entries without an id get
// one; entries with a mismatched embedding width are rejected.
func (b *Backend) Index(ctx context.Context, entries []*models.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if len(e.Embedding) > 0 && len(e.Embedding) != b.dimension {
			return fmt.Errorf("sqlitevec: entry %q has %d-dim embedding, index is %d-dim", e.ID, len(e.Embedding), b.dimension)
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitevec: begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			_ = rbErr
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vectors (id, scope, scope_id, content, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlitevec: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		if e.Scope == "" {
			e.Scope = models.ScopeGlobal
		}

		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("sqlitevec: marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Scope), e.ScopeID, e.Content, string(meta),
			encodeEmbedding(e.Embedding), e.CreatedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("sqlitevec: upsert %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Search linearly scans the scope, scoring each stored embedding by
// cosine similarity to the query.
func (b *Backend) Search(ctx context.Context, embedding []float32, opts *backend.SearchOptions) ([]*models.SearchResult, error) {
	if opts == nil {
		opts = &backend.SearchOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, scope, scope_id, content, metadata, embedding, created_at, updated_at FROM vectors`
	var args []any
	if opts.Scope != "" {
		query += ` WHERE scope = ? AND scope_id = ?`
		args = append(args, string(opts.Scope), opts.ScopeID)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: search: %w", err)
	}
	defer rows.Close()

	var results []*models.SearchResult
	for rows.Next() {
		entry, blob, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(embedding, decodeEmbedding(blob))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		results = append(results, &models.SearchResult{Entry: entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes entries by id.
func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitevec: delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count reports how many entries live in scope.
func (b *Backend) Count(ctx context.Context, scope models.MemoryScope, scopeID string) (int64, error) {
	query := `SELECT COUNT(*) FROM vectors`
	var args []any
	if scope != "" && scope != models.ScopeGlobal {
		query += ` WHERE scope = ? AND scope_id = ?`
		args = append(args, string(scope), scopeID)
	}
	var count int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// Compact reclaims space after deletions.
func (b *Backend) Compact(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (b *Backend) Close() error { return b.db.Close() }

func scanEntry(rows *sql.Rows) (*models.MemoryEntry, []byte, error) {
	var e models.MemoryEntry
	var scope, meta string
	var blob []byte
	if err := rows.Scan(&e.ID, &scope, &e.ScopeID, &e.Content, &meta, &blob, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("sqlitevec: scan: %w", err)
	}
	e.Scope = models.MemoryScope(scope)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, nil, fmt.Errorf("sqlitevec: metadata: %w", err)
		}
	}
	return &e, blob, nil
}

// encodeEmbedding packs float32s little-endian, 4 bytes each.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// cosineSimilarity returns a/|a| · b/|b|, 0 for mismatched or empty
// vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

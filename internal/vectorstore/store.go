// Package vectorstore defines the Vector Store Client contract (spec.md
// §4.3) and a Postgres+pgvector implementation of it. The store is the
// system of record: every other derived structure (the BM25 index) is
// rebuilt from it, never the other way around (spec.md §3).
package vectorstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// SearchResult is one vector-similarity hit.
type SearchResult struct {
	ChunkID    uuid.UUID
	Similarity float64
	Payload    model.Chunk
}

// Store is the narrow contract every retrieval component depends on,
// mirroring the teacher's narrow-interface style (service.VectorSearcher,
// service.ChunkStore); it carries the five operations spec.md §4.3 lists.
type Store interface {
	// Upsert inserts or replaces records, keyed by ChunkID.
	Upsert(ctx context.Context, records []model.VectorRecord) error

	// Query returns the topK chunks most similar to queryVec by cosine
	// similarity, optionally restricted to docIDs (spec.md §4.3).
	Query(ctx context.Context, queryVec []float32, topK int, docIDs []string) ([]SearchResult, error)

	// Scroll returns every chunk currently stored, used to rebuild the BM25
	// index from scratch (spec.md §4.9).
	Scroll(ctx context.Context) ([]model.Chunk, error)

	// DeleteWhere removes every chunk belonging to docID.
	DeleteWhere(ctx context.Context, docID string) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// MemStore is an in-process Store used by tests and local development; it
// implements the same cosine-similarity ranking as PGClient without a
// database (spec.md's Store contract is intentionally narrow to make this
// possible).
type MemStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]model.VectorRecord
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uuid.UUID]model.VectorRecord)}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Upsert(_ context.Context, records []model.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ChunkID] = r
	}
	return nil
}

func (m *MemStore) Query(_ context.Context, queryVec []float32, topK int, docIDs []string) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var allow map[string]struct{}
	if len(docIDs) > 0 {
		allow = make(map[string]struct{}, len(docIDs))
		for _, d := range docIDs {
			allow[d] = struct{}{}
		}
	}

	results := make([]SearchResult, 0, len(m.records))
	for _, r := range m.records {
		if allow != nil {
			if _, ok := allow[r.Payload.DocID]; !ok {
				continue
			}
		}
		results = append(results, SearchResult{
			ChunkID:    r.ChunkID,
			Similarity: cosineSimilarity(queryVec, r.Vector),
			Payload:    r.Payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Payload.ChunkIndex < results[j].Payload.ChunkIndex
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MemStore) Scroll(_ context.Context) ([]model.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Chunk, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Payload)
	}
	// ChunkIndex alone repeats across documents; break ties on ChunkID so
	// scroll order is stable across calls despite map iteration order,
	// matching PGClient.Scroll's (chunk_index, chunk_id) ordering.
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkIndex != out[j].ChunkIndex {
			return out[i].ChunkIndex < out[j].ChunkIndex
		}
		return out[i].ChunkID.String() < out[j].ChunkID.String()
	})
	return out, nil
}

func (m *MemStore) DeleteWhere(_ context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id, r := range m.records {
		if r.Payload.DocID == docID {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) Ping(_ context.Context) error {
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

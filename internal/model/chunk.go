// Package model holds the retrieval engine's payload and result types.
//
// Payloads are tagged records with a fixed schema (spec.md §3), not
// string-keyed maps — the "Dynamic dicts vs typed records" design note
// reserves only Metadata as an opaque pass-through bag.
package model

import (
	"github.com/google/uuid"
)

// Chunk is the unit of retrieval: a contiguous text span carved out of one
// document page, immutable once indexed.
type Chunk struct {
	ChunkID    uuid.UUID      `json:"chunkId"`
	DocID      string         `json:"docId"`
	DocTitle   string         `json:"docTitle"`
	ChunkIndex int            `json:"chunkIndex"`
	PageNum    *int           `json:"pageNum,omitempty"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VectorRecord is what the vector store persists: a chunk's dense embedding
// plus its payload (spec.md §3).
type VectorRecord struct {
	ChunkID uuid.UUID
	Vector  []float32
	Payload Chunk
}

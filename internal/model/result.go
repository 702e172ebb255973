package model

import "github.com/google/uuid"

// BlendWeights records how a RetrievalResult's score was composed when the
// reranker ran (spec.md §3).
type BlendWeights struct {
	Retrieval float64 `json:"retrieval"`
	Rerank    float64 `json:"rerank"`
}

// RetrievalResult is a post-fusion (and, optionally, post-rerank) candidate.
type RetrievalResult struct {
	ChunkID uuid.UUID `json:"chunkId"`
	Score   float64   `json:"score"`
	Payload Chunk     `json:"payload"`

	// Populated only when the reranker runs (spec.md §3).
	RetrievalScore *float64      `json:"retrievalScore,omitempty"`
	RerankScore    *float64      `json:"rerankScore,omitempty"`
	BlendWeights   *BlendWeights `json:"blendWeights,omitempty"`
}

// DocID is a convenience accessor used by the orchestrator's post-gate dedup.
func (r RetrievalResult) DocID() string {
	return r.Payload.DocID
}

// AnswerEnvelope is the engine's output to its caller (spec.md §3). The
// engine never owns the final natural-language answer — synthesis is
// delegated to the LLM collaborator outside this module.
type AnswerEnvelope struct {
	Sources        []RetrievalResult `json:"sources"`
	RetrievedCount int               `json:"retrievedCount"`
	LowConfidence  bool              `json:"lowConfidence"`
	TopScore       *float64          `json:"topScore,omitempty"`
}

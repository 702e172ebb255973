// Package rerank applies a cross-encoder's relevance scores to an already
// fused candidate list, either replacing the retrieval score outright or
// blending it with the retrieval score by rank position (spec.md §4.6).
package rerank

import (
	"context"
	"sort"

	"github.com/connexus-ai/retrieval-engine/internal/fusion"
	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// Blending selects how rerank and retrieval scores are combined.
type Blending string

const (
	Replace       Blending = "replace"
	PositionAware Blending = "position_aware"
)

// CrossEncoder scores how well a chunk answers query, higher is more
// relevant. The concrete model is an external collaborator (spec.md §1);
// this is the narrow interface the orchestrator depends on.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// blendWeights returns the (retrieval, rerank) weight pair for a 1-indexed
// rank, matching the Python original's rank-bucket table (spec.md §4.6):
// rank<=3 trusts retrieval (0.75/0.25), 4-10 is even (0.5/0.5), 11+ trusts
// the reranker (0.25/0.75).
func blendWeights(rank int) (retrieval, rerankWeight float64) {
	switch {
	case rank <= 3:
		return 0.75, 0.25
	case rank <= 10:
		return 0.5, 0.5
	default:
		return 0.25, 0.75
	}
}

// Apply reranks candidates using encoder, per the chosen blending strategy.
// Candidates must already be sorted by retrieval score (the rank each
// occupies on entry is what position_aware blending keys off of).
func Apply(ctx context.Context, encoder CrossEncoder, query string, candidates []fusion.Candidate, blending Blending) ([]model.RetrievalResult, error) {
	if len(candidates) == 0 {
		return []model.RetrievalResult{}, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Chunk.Text
	}

	scores, err := encoder.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	results := make([]model.RetrievalResult, len(candidates))

	switch blending {
	case Replace:
		for i, c := range candidates {
			retrievalScore := c.Score
			rerankScore := scores[i]
			results[i] = model.RetrievalResult{
				ChunkID:        c.ChunkID,
				Score:          rerankScore,
				Payload:        c.Chunk,
				RetrievalScore: &retrievalScore,
				RerankScore:    &rerankScore,
			}
		}
	default: // PositionAware
		for i, c := range candidates {
			rank := i + 1
			retrievalWeight, rerankWeight := blendWeights(rank)
			retrievalScore := c.Score
			rerankScore := scores[i]
			blended := retrievalWeight*retrievalScore + rerankWeight*rerankScore

			results[i] = model.RetrievalResult{
				ChunkID:        c.ChunkID,
				Score:          blended,
				Payload:        c.Chunk,
				RetrievalScore: &retrievalScore,
				RerankScore:    &rerankScore,
				BlendWeights: &model.BlendWeights{
					Retrieval: retrievalWeight,
					Rerank:    rerankWeight,
				},
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID.String() < results[j].ChunkID.String()
	})

	return results, nil
}

// Package fusion combines vector and BM25 candidate lists into one ranked
// list, joined by chunk_id (spec.md §9 fixes the Python original's
// fragile text-based join), via two interchangeable strategies: Reciprocal
// Rank Fusion and weighted-linear combination (spec.md §4.5).
package fusion

import (
	"sort"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/normalizer"
)

// Candidate is one input to fusion, carrying the raw score from whichever
// leg produced it (vector similarity or BM25 score).
type Candidate struct {
	ChunkID uuid.UUID
	Score   float64
	Chunk   model.Chunk
}

// rrfK is the standard RRF smoothing constant.
const rrfK = 60

// rankBonus rewards the very top of each input list, matching the Python
// original's top-of-list bonus schedule (spec.md §4.5): rank 1 gets +0.05,
// ranks 2-3 get +0.02, everything else gets none.
func rankBonus(rank int) float64 {
	switch {
	case rank == 0:
		return 0.05
	case rank == 1 || rank == 2:
		return 0.02
	default:
		return 0
	}
}

// fused accumulates a chunk's combined score plus the tie-break inputs:
// highest raw vector similarity, then ascending chunk_id (spec.md §4.5).
type fused struct {
	score     float64
	chunk     Candidate
	vectorSim float64
	hasVector bool
}

// ReciprocalRankFusion fuses vector and BM25 candidate lists by chunk_id.
// Each list contributes 1/(k+rank+1) plus a top-of-list bonus; a chunk
// appearing in both lists sums its contributions from each. The combined
// scores are min-max normalized before return.
func ReciprocalRankFusion(vectorResults, bm25Results []Candidate) []Candidate {
	acc := make(map[uuid.UUID]*fused)
	var order []uuid.UUID

	add := func(c Candidate, rank int, fromVector bool) {
		a, ok := acc[c.ChunkID]
		if !ok {
			a = &fused{chunk: c}
			acc[c.ChunkID] = a
			order = append(order, c.ChunkID)
		}
		a.score += 1.0/float64(rrfK+rank+1) + rankBonus(rank)
		if fromVector {
			a.vectorSim = c.Score
			a.hasVector = true
		}
	}

	for rank, c := range vectorResults {
		add(c, rank, true)
	}
	for rank, c := range bm25Results {
		add(c, rank, false)
	}

	return finalize(acc, order)
}

// WeightedLinear fuses vector and BM25 candidate lists by
// alpha*vectorNorm + (1-alpha)*bm25Norm, after independently min-max
// normalizing each list to [0,1] (spec.md §4.5). A chunk present in only
// one list is scored using only that list's contribution — its absent
// score does not zero out the blend.
func WeightedLinear(vectorResults, bm25Results []Candidate, alpha float64) []Candidate {
	vectorNorm := normalizedByID(vectorResults)
	bm25Norm := normalizedByID(bm25Results)

	acc := make(map[uuid.UUID]*fused)
	var order []uuid.UUID

	ensure := func(c Candidate) *fused {
		a, ok := acc[c.ChunkID]
		if !ok {
			a = &fused{chunk: c}
			acc[c.ChunkID] = a
			order = append(order, c.ChunkID)
		}
		return a
	}

	for _, c := range vectorResults {
		a := ensure(c)
		a.vectorSim = c.Score
		a.hasVector = true
	}
	for _, c := range bm25Results {
		ensure(c)
	}

	for id, a := range acc {
		vNorm, hasV := vectorNorm[id]
		bNorm, hasB := bm25Norm[id]
		switch {
		case hasV && hasB:
			a.score = alpha*vNorm + (1-alpha)*bNorm
		case hasV:
			a.score = alpha * vNorm
		case hasB:
			a.score = (1 - alpha) * bNorm
		}
	}

	return finalize(acc, order)
}

func normalizedByID(results []Candidate) map[uuid.UUID]float64 {
	if len(results) == 0 {
		return map[uuid.UUID]float64{}
	}
	raw := make([]float64, len(results))
	for i, c := range results {
		raw[i] = c.Score
	}
	norm := normalizer.MinMax(raw)

	out := make(map[uuid.UUID]float64, len(results))
	for i, c := range results {
		out[c.ChunkID] = norm[i]
	}
	return out
}

// finalize normalizes the combined scores to [0,1] and sorts descending,
// tie-broken by higher raw vector similarity then ascending chunk_id
// (spec.md §4.5).
func finalize(acc map[uuid.UUID]*fused, order []uuid.UUID) []Candidate {
	if len(order) == 0 {
		return []Candidate{}
	}

	raw := make([]float64, len(order))
	for i, id := range order {
		raw[i] = acc[id].score
	}
	norm := normalizer.MinMax(raw)

	out := make([]Candidate, len(order))
	for i, id := range order {
		a := acc[id]
		out[i] = a.chunk
		out[i].Score = norm[i]
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		si, sj := acc[out[i].ChunkID], acc[out[j].ChunkID]
		if si.hasVector != sj.hasVector {
			return si.hasVector
		}
		if si.vectorSim != sj.vectorSim {
			return si.vectorSim > sj.vectorSim
		}
		return out[i].ChunkID.String() < out[j].ChunkID.String()
	})

	return out
}

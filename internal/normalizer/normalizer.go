// Package normalizer rescales raw retrieval scores into [0,1] so that
// dissimilar scoring scales (cosine similarity, BM25, RRF) can be combined
// or compared (spec.md §4.4).
package normalizer

// MinMax rescales scores to [0,1] via (x-min)/(max-min). A constant input
// (including a single-element or empty slice) maps every value to 1.0,
// since there is no spread to normalize against and treating it as
// "maximally relevant" is safer than dividing by zero.
func MinMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return []float64{}
	}

	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}

	out := make([]float64, len(scores))
	if max == min {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}

	span := max - min
	for i, s := range scores {
		out[i] = (s - min) / span
	}
	return out
}

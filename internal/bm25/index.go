// Package bm25 implements the in-memory Okapi BM25 index (spec.md §4.2):
// build, search, and a binary snapshot/restore used to persist it across
// process restarts. The vector store remains the source of truth — this
// index is a derived, rebuildable cache (spec.md §3).
package bm25

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/tokenizer"
)

// Okapi BM25 parameters (spec.md §4.2), standard defaults exposed as
// constants.
const (
	K1 = 1.5
	B  = 0.75
)

// excludedScore is the sentinel forced onto chunks outside a doc_ids filter
// so they never surface in Search results (spec.md §4.2).
const excludedScore = -1.0

// Result is one BM25 hit.
type Result struct {
	ChunkIndex int
	Score      float64
	DocID      string
	Chunk      model.Chunk
}

// Index is an in-memory Okapi BM25 index over a fixed set of chunks.
// Safe for concurrent reads; Build replaces state wholesale and is expected
// to be externally serialized against readers (see internal/indexcoord).
type Index struct {
	chunkIDs   []uuid.UUID
	docIDs     []string
	chunks     []model.Chunk
	tokenized  [][]string
	docFreqs   []map[string]int
	idf        map[string]float64
	docLengths []int
	avgDocLen  float64
}

// New returns an empty Index.
func New() *Index {
	return &Index{idf: make(map[string]float64)}
}

// Build replaces the index's state wholesale from chunks. Empty input
// yields an empty index and a logged warning, not an error (spec.md §4.2).
func (idx *Index) Build(chunks []model.Chunk) {
	if len(chunks) == 0 {
		slog.Warn("[bm25] build called with no chunks")
		idx.chunkIDs = nil
		idx.docIDs = nil
		idx.chunks = nil
		idx.tokenized = nil
		idx.docFreqs = nil
		idx.idf = make(map[string]float64)
		idx.docLengths = nil
		idx.avgDocLen = 0
		return
	}

	n := len(chunks)
	chunkIDs := make([]uuid.UUID, n)
	docIDs := make([]string, n)
	tokenized := make([][]string, n)
	docFreqs := make([]map[string]int, n)
	docLengths := make([]int, n)

	var totalLen int
	termDocCount := make(map[string]int)

	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
		docIDs[i] = c.DocID
		toks := tokenizer.Tokenize(c.Text)
		tokenized[i] = toks
		docLengths[i] = len(toks)
		totalLen += len(toks)

		freqs := make(map[string]int, len(toks))
		for _, tok := range toks {
			freqs[tok]++
		}
		docFreqs[i] = freqs
		for term := range freqs {
			termDocCount[term]++
		}
	}

	idf := make(map[string]float64, len(termDocCount))
	for term, df := range termDocCount {
		// idf = ln((N - df + 0.5)/(df + 0.5) + 1), Okapi BM25's smoothed IDF.
		idf[term] = math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
	}

	idx.chunkIDs = chunkIDs
	idx.docIDs = docIDs
	idx.chunks = append([]model.Chunk(nil), chunks...)
	idx.tokenized = tokenized
	idx.docFreqs = docFreqs
	idx.idf = idf
	idx.docLengths = docLengths
	idx.avgDocLen = float64(totalLen) / float64(n)

	slog.Info("[bm25] build complete", "chunks", n, "avg_doc_len", idx.avgDocLen)
}

// Len returns the number of chunks currently indexed.
func (idx *Index) Len() int {
	return len(idx.chunks)
}

// ChunkIDs returns the set of chunk IDs currently indexed, for index
// consistency checks against the vector store (spec.md §3 invariant).
func (idx *Index) ChunkIDs() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(idx.chunkIDs))
	for _, id := range idx.chunkIDs {
		out[id] = struct{}{}
	}
	return out
}

// Search tokenizes query, scores it against every indexed chunk, and
// returns the top_k results with score > 0, strictly descending by score,
// ties broken by ascending chunk_index (spec.md §4.2).
//
// When docIDs is non-empty, chunks outside the set are excluded from
// results entirely (the spec's "sentinel that excludes them" semantics).
func (idx *Index) Search(query string, topK int, docIDs map[string]struct{}) []Result {
	if len(idx.chunks) == 0 {
		return nil
	}
	queryTokens := tokenizer.Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	scores := idx.scoreAll(queryTokens, docIDs)

	type scoredIdx struct {
		i     int
		score float64
	}
	candidates := make([]scoredIdx, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			candidates = append(candidates, scoredIdx{i, s})
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].score != candidates[b].score {
			return candidates[a].score > candidates[b].score
		}
		return candidates[a].i < candidates[b].i
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]Result, len(candidates))
	for j, c := range candidates {
		results[j] = Result{
			ChunkIndex: c.i,
			Score:      c.score,
			DocID:      idx.docIDs[c.i],
			Chunk:      idx.chunks[c.i],
		}
	}
	return results
}

func (idx *Index) scoreAll(queryTokens []string, docIDs map[string]struct{}) []float64 {
	n := len(idx.chunks)
	scores := make([]float64, n)

	for i := 0; i < n; i++ {
		if len(docIDs) > 0 {
			if _, ok := docIDs[idx.docIDs[i]]; !ok {
				scores[i] = excludedScore
				continue
			}
		}

		docLen := float64(idx.docLengths[i])
		var score float64
		for _, term := range queryTokens {
			freq, ok := idx.docFreqs[i][term]
			if !ok {
				continue
			}
			termIDF := idx.idf[term]
			numerator := float64(freq) * (K1 + 1)
			denominator := float64(freq) + K1*(1-B+B*(docLen/idx.avgDocLen))
			score += termIDF * (numerator / denominator)
		}
		scores[i] = score
	}
	return scores
}

// snapshot is the serializable state of an Index.
type snapshot struct {
	ChunkIDs   []uuid.UUID
	DocIDs     []string
	Chunks     []model.Chunk
	Tokenized  [][]string
	DocFreqs   []map[string]int
	IDF        map[string]float64
	DocLengths []int
	AvgDocLen  float64
}

// Snapshot serializes the entire index state to a single binary blob.
func (idx *Index) Snapshot() ([]byte, error) {
	snap := snapshot{
		ChunkIDs:   idx.chunkIDs,
		DocIDs:     idx.docIDs,
		Chunks:     idx.chunks,
		Tokenized:  idx.tokenized,
		DocFreqs:   idx.docFreqs,
		IDF:        idx.idf,
		DocLengths: idx.docLengths,
		AvgDocLen:  idx.avgDocLen,
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(snap); err != nil {
		return nil, fmt.Errorf("bm25.Snapshot: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("bm25.Snapshot: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore atomically replaces the index's state from a Snapshot blob.
// Corruption is reported, never silently tolerated — the caller decides
// whether to rebuild (spec.md §4.2).
func (idx *Index) Restore(data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("bm25.Restore: open gzip reader: %w", err)
	}
	defer gz.Close()

	var snap snapshot
	if err := gob.NewDecoder(gz).Decode(&snap); err != nil {
		return fmt.Errorf("bm25.Restore: decode: %w", err)
	}

	if len(snap.ChunkIDs) != len(snap.Chunks) || len(snap.ChunkIDs) != len(snap.DocLengths) {
		return fmt.Errorf("bm25.Restore: corrupt snapshot: length mismatch (ids=%d chunks=%d lengths=%d)",
			len(snap.ChunkIDs), len(snap.Chunks), len(snap.DocLengths))
	}

	idx.chunkIDs = snap.ChunkIDs
	idx.docIDs = snap.DocIDs
	idx.chunks = snap.Chunks
	idx.tokenized = snap.Tokenized
	idx.docFreqs = snap.DocFreqs
	idx.idf = snap.IDF
	idx.docLengths = snap.DocLengths
	idx.avgDocLen = snap.AvgDocLen
	return nil
}

package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/bm25"
	"github.com/connexus-ai/retrieval-engine/internal/cache"
	"github.com/connexus-ai/retrieval-engine/internal/fusion"
	"github.com/connexus-ai/retrieval-engine/internal/indexcoord"
	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/rerank"
	"github.com/connexus-ai/retrieval-engine/internal/vectorstore"
)

// hashEmbedder deterministically maps text to a vector by a simple
// bag-of-words projection, so "semantic" similarity in tests tracks shared
// vocabulary without requiring a real embedding model.
type hashEmbedder struct {
	dim int
}

func (h *hashEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		idx := 0
		for _, r := range tok {
			idx = (idx*31 + int(r)) % h.dim
		}
		v[idx]++
	}
	return v, nil
}

type mockEncoder struct {
	scoreFor map[string]float64
}

func (m *mockEncoder) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, t := range texts {
		if s, ok := m.scoreFor[t]; ok {
			out[i] = s
		} else {
			out[i] = 0.5
		}
	}
	return out, nil
}

const (
	c1Text = "Python is a high-level programming language"
	c2Text = "Machine learning with Python uses scikit-learn"
	c3Text = "JavaScript runs in browsers for web development"
)

func buildCorpusA(t *testing.T) (*Engine, *vectorstore.MemStore, *indexcoord.Coordinator) {
	t.Helper()
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	embedder := &hashEmbedder{dim: 64}
	ctx := context.Background()

	chunks := []struct {
		text, doc string
		page      int
	}{
		{c1Text, "p", 1},
		{c2Text, "p", 2},
		{c3Text, "j", 1},
	}

	var records []model.VectorRecord
	for i, c := range chunks {
		vec, err := embedder.EmbedOne(ctx, c.text)
		if err != nil {
			t.Fatalf("embed error: %v", err)
		}
		page := c.page
		id := uuid.New()
		records = append(records, model.VectorRecord{
			ChunkID: id,
			Vector:  vec,
			Payload: model.Chunk{ChunkID: id, DocID: c.doc, ChunkIndex: i, PageNum: &page, Text: c.text},
		})
	}
	if err := coord.Add(ctx, records); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	engine := New(store, coord, embedder, &mockEncoder{}, nil)
	return engine, store, coord
}

func TestQuery_BM25OnlyKeywordHit(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "scikit-learn", Params{
		TopK: 10, UseHybrid: true, HybridAlpha: 0.0, UseRRF: false, UseReranker: false,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(env.Sources) == 0 {
		t.Fatal("expected at least one source")
	}
	if !strings.Contains(env.Sources[0].Payload.Text, "scikit-learn") {
		t.Errorf("top result = %q, want the scikit-learn chunk", env.Sources[0].Payload.Text)
	}
	if env.Sources[0].Score != 1.0 {
		t.Errorf("top result score = %v, want 1.0 (normalized sole match)", env.Sources[0].Score)
	}
}

func TestQuery_VectorOnlySemanticHit(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "language for data analysis", Params{
		TopK: 2, UseHybrid: false, UseReranker: false,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(env.Sources) == 0 {
		t.Fatal("expected results")
	}
	for _, s := range env.Sources {
		if strings.Contains(s.Payload.Text, "JavaScript") {
			t.Errorf("JavaScript chunk should not appear in top 2 semantic results")
		}
	}
}

func TestQuery_DocIDFilter(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "programming", Params{
		TopK: 10, DocIDs: []string{"j"}, UseHybrid: true, UseReranker: false,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	for _, s := range env.Sources {
		if s.Payload.DocID != "j" {
			t.Errorf("result doc_id = %s, want only j", s.Payload.DocID)
		}
	}
}

func TestQuery_LowConfidenceGate(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "weather forecast tomorrow", Params{
		TopK: 10, UseHybrid: true, UseReranker: false, MinScore: 0.6,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if !env.LowConfidence {
		t.Error("expected low_confidence=true for an unrelated query")
	}
	if env.TopScore != nil && *env.TopScore >= 0.6 {
		t.Errorf("top_score = %v, want < 0.6", *env.TopScore)
	}
}

func TestQuery_ConsistencyAfterDelete(t *testing.T) {
	engine, store, coord := buildCorpusA(t)
	ctx := context.Background()

	if _, err := coord.Delete(ctx, "p"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	env, err := engine.Query(ctx, "Python", Params{TopK: 10, UseHybrid: true, UseReranker: false})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	for _, s := range env.Sources {
		if s.Payload.DocID == "p" {
			t.Errorf("found a result from deleted doc p: %+v", s)
		}
	}

	chunks, _ := store.Scroll(ctx)
	if len(chunks) != 1 {
		t.Errorf("remaining chunk count = %d, want 1", len(chunks))
	}
}

func TestQuery_RerankerReordering(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	embedder := &hashEmbedder{dim: 64}
	ctx := context.Background()

	c2ID := uuid.New()
	c4ID := uuid.New()
	c4Text := "Python basics tutorial"

	vecC2, _ := embedder.EmbedOne(ctx, c2Text)
	vecC4, _ := embedder.EmbedOne(ctx, c4Text)

	store.Upsert(ctx, []model.VectorRecord{
		{ChunkID: c2ID, Vector: vecC2, Payload: model.Chunk{ChunkID: c2ID, DocID: "p", ChunkIndex: 0, Text: c2Text}},
		{ChunkID: c4ID, Vector: vecC4, Payload: model.Chunk{ChunkID: c4ID, DocID: "p", ChunkIndex: 1, Text: c4Text}},
	})
	coord.RebuildNow(ctx)

	encoder := &mockEncoder{scoreFor: map[string]float64{
		c2Text: 0.90,
		c4Text: 0.10,
	}}
	engine := New(store, coord, embedder, encoder, nil)

	env, err := engine.Query(ctx, "how do I train a classifier with scikit-learn", Params{
		TopK: 2, UseHybrid: false, UseReranker: true, RerankBlending: rerank.PositionAware,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(env.Sources) == 0 {
		t.Fatal("expected results")
	}
	if env.Sources[0].ChunkID != c2ID {
		t.Errorf("top result = %v, want C2 to stay at rank 1 under position_aware blending", env.Sources[0].Payload.Text)
	}
}

func TestFuse_MultiVariantRespectsExpansionWeight(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	embedder := &hashEmbedder{dim: 64}
	ctx := context.Background()

	pID := uuid.New()
	jID := uuid.New()
	pVec, _ := embedder.EmbedOne(ctx, c1Text)
	jVec, _ := embedder.EmbedOne(ctx, c3Text)
	store.Upsert(ctx, []model.VectorRecord{
		{ChunkID: pID, Vector: pVec, Payload: model.Chunk{ChunkID: pID, DocID: "p", ChunkIndex: 0, Text: c1Text}},
		{ChunkID: jID, Vector: jVec, Payload: model.Chunk{ChunkID: jID, DocID: "j", ChunkIndex: 0, Text: c3Text}},
	})
	coord.RebuildNow(ctx)

	engine := New(store, coord, embedder, &mockEncoder{}, nil)

	// The original variant (weight 2.0) ranks the Python chunk first; a
	// paraphrase variant (weight 1.0) ranks the JavaScript chunk first.
	// Under RRF with per-variant weighting honored, the heavier-weighted
	// variant's top pick should win the tie at the top of the fused list.
	legs := []leg{
		{variantIndex: 0, weight: 2.0, vector: []fusion.Candidate{
			{ChunkID: pID, Score: 0.9, Chunk: model.Chunk{ChunkID: pID, DocID: "p"}},
			{ChunkID: jID, Score: 0.1, Chunk: model.Chunk{ChunkID: jID, DocID: "j"}},
		}},
		{variantIndex: 1, weight: 1.0, vector: []fusion.Candidate{
			{ChunkID: jID, Score: 0.9, Chunk: model.Chunk{ChunkID: jID, DocID: "j"}},
			{ChunkID: pID, Score: 0.1, Chunk: model.Chunk{ChunkID: pID, DocID: "p"}},
		}},
	}

	fused := engine.fuse(legs, Params{UseHybrid: true, UseRRF: true})
	if len(fused) == 0 {
		t.Fatal("expected fused candidates")
	}
	if fused[0].ChunkID != pID {
		t.Errorf("top fused chunk = %v, want the weight-2.0 variant's top pick (p) to win the RRF tie", fused[0].ChunkID)
	}
}

func TestQuery_InvalidTopKReturnsError(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	_, err := engine.Query(context.Background(), "python", Params{TopK: -1})
	if err == nil {
		t.Error("expected error for top_k <= 0")
	}
}

func TestQuery_EmptyQueryReturnsInvalidArgument(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	_, err := engine.Query(context.Background(), "   ", Params{TopK: 10})
	if err == nil {
		t.Error("expected error for empty query text")
	}
}

func TestQuery_HybridAlphaOutOfRangeReturnsInvalidArgument(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	_, err := engine.Query(context.Background(), "python", Params{TopK: 10, UseHybrid: true, HybridAlpha: 1.5})
	if err == nil {
		t.Error("expected error for hybrid_alpha outside [0,1]")
	}
}

func TestQuery_VectorOnlyScoresAreNormalized(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "language for data analysis", Params{
		TopK: 3, UseHybrid: false, UseReranker: false,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(env.Sources) == 0 {
		t.Fatal("expected results")
	}
	if env.Sources[0].Score != 1.0 {
		t.Errorf("top score = %v, want 1.0 after min-max normalization", env.Sources[0].Score)
	}
	for _, s := range env.Sources {
		if s.Score < 0 || s.Score > 1 {
			t.Errorf("score %v out of [0,1] range", s.Score)
		}
	}
}

func TestQuery_MaxChunksPerDocCapsResultsPostGate(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "Python programming", Params{
		TopK: 10, UseHybrid: true, UseReranker: false, MaxChunksPerDoc: 1,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	seen := make(map[string]int)
	for _, s := range env.Sources {
		seen[s.Payload.DocID]++
	}
	for doc, n := range seen {
		if n > 1 {
			t.Errorf("doc %q has %d chunks in result, want at most 1", doc, n)
		}
	}
	if env.RetrievedCount != len(env.Sources) {
		t.Errorf("RetrievedCount = %d, want len(Sources) = %d", env.RetrievedCount, len(env.Sources))
	}
}

func TestQuery_MaxChunksPerDocZeroMeansUnlimited(t *testing.T) {
	engine, _, _ := buildCorpusA(t)

	env, err := engine.Query(context.Background(), "Python programming", Params{
		TopK: 10, UseHybrid: true, UseReranker: false, MaxChunksPerDoc: 0,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	pCount := 0
	for _, s := range env.Sources {
		if s.Payload.DocID == "p" {
			pCount++
		}
	}
	if pCount < 2 {
		t.Errorf("doc p appeared %d times, want both its chunks present with dedup off", pCount)
	}
}

func TestQuery_RerankerWithoutEncoderReturnsInvalidArgument(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	engine := New(store, coord, &hashEmbedder{dim: 64}, nil, nil)

	_, err := engine.Query(context.Background(), "python", Params{TopK: 10, UseReranker: true})
	if err == nil {
		t.Error("expected error for use_reranker with no CrossEncoder wired")
	}
}

func TestQuery_QueryExpansionWithoutExpanderReturnsInvalidArgument(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	engine := New(store, coord, &hashEmbedder{dim: 64}, &mockEncoder{}, nil)

	_, err := engine.Query(context.Background(), "python", Params{TopK: 10, UseQueryExpansion: true})
	if err == nil {
		t.Error("expected error for use_query_expansion with no Generator wired")
	}
}

func TestQuery_CacheKeyDistinguishesMaxChunksPerDoc(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	qc := cache.New(time.Minute)
	defer qc.Stop()
	engine.WithCache(qc).WithCorpus("corpusA")

	base := Params{TopK: 10, UseHybrid: true, UseReranker: false, UseCache: true}

	unlimited, err := engine.Query(context.Background(), "Python programming", base)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	capped := base
	capped.MaxChunksPerDoc = 1
	deduped, err := engine.Query(context.Background(), "Python programming", capped)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if deduped.RetrievedCount >= unlimited.RetrievedCount {
		t.Errorf("capped query returned %d sources, want fewer than the uncapped query's %d (cache key must not collide across MaxChunksPerDoc)",
			deduped.RetrievedCount, unlimited.RetrievedCount)
	}
}

func TestQuery_CacheHitSkipsPipelineAndReturnsSameResult(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	qc := cache.New(time.Minute)
	defer qc.Stop()
	engine.WithCache(qc).WithCorpus("corpusA")

	p := Params{TopK: 10, UseHybrid: true, UseReranker: false, UseCache: true}

	first, err := engine.Query(context.Background(), "scikit-learn", p)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}

	if qc.Len() != 1 {
		t.Fatalf("cache Len() = %d, want 1 after first query", qc.Len())
	}

	second, err := engine.Query(context.Background(), "scikit-learn", p)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if second.RetrievedCount != first.RetrievedCount {
		t.Errorf("cached RetrievedCount = %d, want %d", second.RetrievedCount, first.RetrievedCount)
	}
}

func TestQuery_UseCacheFalseNeverConsultsCache(t *testing.T) {
	engine, _, _ := buildCorpusA(t)
	qc := cache.New(time.Minute)
	defer qc.Stop()
	engine.WithCache(qc).WithCorpus("corpusA")

	p := Params{TopK: 10, UseHybrid: true, UseReranker: false, UseCache: false}
	if _, err := engine.Query(context.Background(), "scikit-learn", p); err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("cache Len() = %d, want 0 when use_cache=false", qc.Len())
	}
}

func TestQuery_EmptyCandidatesIsLowConfidenceNotError(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := indexcoord.New(store, bm25.New())
	engine := New(store, coord, &hashEmbedder{dim: 64}, &mockEncoder{}, nil)

	env, err := engine.Query(context.Background(), "anything", Params{TopK: 10, UseHybrid: true})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if !env.LowConfidence || env.RetrievedCount != 0 {
		t.Errorf("env = %+v, want low_confidence=true, retrieved_count=0", env)
	}
}

// Package orchestrator drives the full retrieval pipeline: optional query
// expansion, vector+BM25 retrieval (concurrent across query variants; the
// two legs of one variant run in sequence), fusion, optional reranking,
// confidence gating, and optional post-gate dedup/caching (spec.md §4.8,
// SPEC_FULL.md §5). It never owns answer synthesis — that is an external
// collaborator's job (spec.md §3).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/retrieval-engine/internal/cache"
	"github.com/connexus-ai/retrieval-engine/internal/engineerr"
	"github.com/connexus-ai/retrieval-engine/internal/expansion"
	"github.com/connexus-ai/retrieval-engine/internal/fusion"
	"github.com/connexus-ai/retrieval-engine/internal/indexcoord"
	"github.com/connexus-ai/retrieval-engine/internal/metrics"
	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/normalizer"
	"github.com/connexus-ai/retrieval-engine/internal/rerank"
	"github.com/connexus-ai/retrieval-engine/internal/vectorstore"
)

// Synthesizer turns retrieved sources into a natural-language answer. The
// orchestrator never calls it — it is defined here only so callers have a
// stable contract to implement; synthesis is out of this engine's scope
// (spec.md §3).
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, sources []model.RetrievalResult) (string, error)
}

// QueryEmbedder embeds query text into the vector store's dense space
// (spec.md §6).
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Params are the per-request tunables from spec.md §4.8, plus the
// SPEC_FULL.md §5 supplemented cache/dedup toggles.
//
// withDefaults only fills in TopK, ExpansionVariants, and RerankBlending
// when left at their zero value, since a zero value for any of those three
// is never a meaningful request (retrieve nothing, expand into zero
// variants, or an empty blending enum). MinScore and HybridAlpha are
// deliberately NOT defaulted here: 0.0 is a legitimate value for both
// (min_score=0 disables gating on purpose; hybrid_alpha=0 means
// BM25-only weighting in WeightedLinear — see the BM25-only keyword-hit
// scenario in spec.md §8), so this package cannot tell "caller forgot" from
// "caller meant it" for those two fields. Boolean toggles are taken
// literally for the same reason: a zero-value Params therefore disables
// hybrid search, RRF, reranking, query expansion, dedup, and caching.
// Callers that want the engine's built-in defaults (spec.md §4.8's
// parameter table) should build Params from config.Load()'s fields, the
// way cmd/retrievalctl does, rather than relying on the zero value.
type Params struct {
	TopK              int
	DocIDs            []string
	UseHybrid         bool
	HybridAlpha       float64
	UseRRF            bool
	UseReranker       bool
	RerankBlending    rerank.Blending
	UseQueryExpansion bool
	ExpansionVariants int
	MinScore          float64

	// MaxChunksPerDoc caps how many chunks from a single source document
	// may appear in the final result set. 0 means unlimited. Applied
	// strictly after gating (SPEC_FULL.md §5.2) so it only drops
	// already-ranked candidates and never rescales remaining scores.
	MaxChunksPerDoc int

	// UseCache looks up/stores the AnswerEnvelope in the engine's query
	// cache, when one is configured via WithCache/WithRedisCache
	// (SPEC_FULL.md §5.1).
	UseCache bool
}

// Engine wires together every stage of the pipeline.
type Engine struct {
	Store    vectorstore.Store
	Coord    *indexcoord.Coordinator
	Embedder QueryEmbedder
	Encoder  rerank.CrossEncoder
	Expander expansion.Generator
	Metrics  *metrics.Metrics

	// Corpus namespaces the query cache. Deployments that run one Engine
	// per document collection can leave this at its default; a process
	// serving multiple corpora should set a distinct value per Engine via
	// WithCorpus so cache entries (and indexcoord's InvalidateCorpus
	// calls) never cross corpora.
	Corpus string

	Cache      *cache.QueryCache
	RedisCache *cache.RedisTier
}

// New constructs an Engine. Encoder and Expander may be nil if the caller
// never enables use_reranker / use_query_expansion.
func New(store vectorstore.Store, coord *indexcoord.Coordinator, embedder QueryEmbedder, encoder rerank.CrossEncoder, expander expansion.Generator) *Engine {
	return &Engine{Store: store, Coord: coord, Embedder: embedder, Encoder: encoder, Expander: expander}
}

// WithMetrics attaches a Prometheus collector set; stage timings and
// confidence-gate trips are reported only if this is set.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.Metrics = m
	return e
}

// WithCorpus sets the cache namespace for this Engine (see Engine.Corpus).
func (e *Engine) WithCorpus(corpus string) *Engine {
	e.Corpus = corpus
	return e
}

// WithCache attaches the in-process query cache. Queries only consult it
// when Params.UseCache is true.
func (e *Engine) WithCache(c *cache.QueryCache) *Engine {
	e.Cache = c
	return e
}

// WithRedisCache attaches an optional shared second-tier cache, consulted
// ahead of the in-process cache on read and written through on write. Only
// takes effect alongside WithCache.
func (e *Engine) WithRedisCache(r *cache.RedisTier) *Engine {
	e.RedisCache = r
	return e
}

func (e *Engine) corpusOrDefault() string {
	if e.Corpus == "" {
		return "default"
	}
	return e.Corpus
}

func (e *Engine) cacheRequest(query string, p Params) cache.Request {
	return cache.Request{
		Corpus:            e.corpusOrDefault(),
		Query:             query,
		TopK:              p.TopK,
		DocIDs:            p.DocIDs,
		UseHybrid:         p.UseHybrid,
		HybridAlpha:       p.HybridAlpha,
		UseRRF:            p.UseRRF,
		UseReranker:       p.UseReranker,
		RerankBlending:    string(p.RerankBlending),
		UseQueryExpansion: p.UseQueryExpansion,
		ExpansionVariants: p.ExpansionVariants,
		MinScore:          p.MinScore,
		MaxChunksPerDoc:   p.MaxChunksPerDoc,
	}
}

// leg is the fan-out unit: one query variant's vector+BM25 retrieval.
type leg struct {
	variantIndex int
	weight       float64
	vector       []fusion.Candidate
	bm25         []fusion.Candidate
}

// Query runs the full state machine — NEW -> EXPANDED -> EMBEDDED ->
// RETRIEVED -> FUSED -> RERANKED -> GATED -> DONE, plus the optional
// post-gate dedup step — and returns the resulting AnswerEnvelope. ctx
// carries the optional per-query deadline; expiration between stages
// yields a low-confidence partial result rather than an error (spec.md
// §5).
func (e *Engine) Query(ctx context.Context, query string, p Params) (*model.AnswerEnvelope, error) {
	p = withDefaults(p)
	if strings.TrimSpace(query) == "" {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "query must not be empty")
	}
	if p.TopK <= 0 {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "top_k must be > 0")
	}
	if p.HybridAlpha < 0 || p.HybridAlpha > 1 {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "hybrid_alpha must be in [0,1]")
	}
	if p.RerankBlending != rerank.Replace && p.RerankBlending != rerank.PositionAware {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "unknown rerank_blending")
	}
	if p.UseReranker && e.Encoder == nil {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "use_reranker requested but this Engine has no CrossEncoder wired")
	}
	if p.UseQueryExpansion && e.Expander == nil {
		return nil, engineerr.New(engineerr.InvalidArgument, "orchestrator.Query", "use_query_expansion requested but this Engine has no Generator wired")
	}

	if e.Metrics != nil {
		e.Metrics.ActiveQueries.Inc()
		defer e.Metrics.ActiveQueries.Dec()
	}

	req := e.cacheRequest(query, p)
	if p.UseCache && e.Cache != nil {
		if env, ok := e.lookupCache(ctx, req); ok {
			return env, nil
		}
	}

	// EXPANDED
	expandStart := time.Now()
	variants := e.expand(ctx, query, p)
	e.observeStage("expand", expandStart)
	if deadlineExceeded(ctx) {
		return lowConfidencePartial(nil), nil
	}

	// EMBEDDED + RETRIEVED (concurrent per variant, per spec.md §5's
	// "ordering into the fuser is deterministic" requirement).
	retrieveStart := time.Now()
	legs, err := e.retrieveAll(ctx, variants, p)
	e.observeStage("retrieve", retrieveStart)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Query: retrieve: %w", err)
	}
	if deadlineExceeded(ctx) {
		return lowConfidencePartial(nil), nil
	}

	// FUSED
	fuseStart := time.Now()
	fused := e.fuse(legs, p)
	e.observeStage("fuse", fuseStart)

	// RERANKED
	var sources []model.RetrievalResult
	if p.UseReranker && len(fused) > 0 {
		if deadlineExceeded(ctx) {
			return lowConfidencePartial(candidatesToResults(fused)), nil
		}
		rerankStart := time.Now()
		sources, err = rerank.Apply(ctx, e.Encoder, query, fused, p.RerankBlending)
		e.observeStage("rerank", rerankStart)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.ModelFailure, "orchestrator.Query", "rerank failed", err)
		}
	} else {
		sources = candidatesToResults(fused)
	}

	if len(sources) > p.TopK {
		sources = sources[:p.TopK]
	}

	// GATED
	env := gate(sources, p.MinScore)
	if env.LowConfidence && e.Metrics != nil {
		e.Metrics.IncrementConfidenceGateTrip()
	}

	// Post-gate dedup (SPEC_FULL.md §5.2) — strictly after gating, drops
	// only, never rescales.
	if p.MaxChunksPerDoc > 0 {
		env.Sources = dedupeByDoc(env.Sources, p.MaxChunksPerDoc)
		env.RetrievedCount = len(env.Sources)
	}

	if p.UseCache && e.Cache != nil {
		e.storeCache(ctx, req, env)
	}

	return env, nil
}

// lookupCache checks the Redis tier (if configured) ahead of the
// in-process cache, populating the in-process cache on a Redis hit.
func (e *Engine) lookupCache(ctx context.Context, req cache.Request) (*model.AnswerEnvelope, bool) {
	if e.RedisCache != nil {
		env, ok, err := e.RedisCache.Get(ctx, req)
		if err != nil {
			slog.Warn("[orchestrator] redis cache get failed", "error", err)
		} else if ok {
			e.Cache.Set(req, env)
			return env, true
		}
	}
	return e.Cache.Get(req)
}

func (e *Engine) storeCache(ctx context.Context, req cache.Request, env *model.AnswerEnvelope) {
	e.Cache.Set(req, env)
	if e.RedisCache != nil {
		if err := e.RedisCache.Set(ctx, req, env); err != nil {
			slog.Warn("[orchestrator] redis cache set failed", "error", err)
		}
	}
}

func (e *Engine) observeStage(stage string, start time.Time) {
	if e.Metrics != nil {
		e.Metrics.ObserveStage(stage, start)
	}
}

func withDefaults(p Params) Params {
	if p.TopK == 0 {
		p.TopK = 10
	}
	if p.ExpansionVariants == 0 {
		p.ExpansionVariants = 2
	}
	if p.RerankBlending == "" {
		p.RerankBlending = rerank.PositionAware
	}
	return p
}

func deadlineExceeded(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) expand(ctx context.Context, query string, p Params) []expansion.Variant {
	if !p.UseQueryExpansion {
		return []expansion.Variant{{Query: query, Weight: 1.0}}
	}
	return expansion.Expand(ctx, e.Expander, query, p.ExpansionVariants)
}

// retrieveAll fans out one vector+BM25 retrieval per variant concurrently,
// then reassembles legs in variant-index order — fan-out may complete out
// of order, but the fuser always sees a deterministic ordering
// (spec.md §5).
func (e *Engine) retrieveAll(ctx context.Context, variants []expansion.Variant, p Params) ([]leg, error) {
	// retrieve top_k*4 per variant when expanding, top_k*2 when reranking,
	// else top_k directly (spec.md §4.8 contract 1-2).
	perLegK := p.TopK
	if p.UseQueryExpansion && len(variants) > 1 {
		perLegK = p.TopK * 4
	} else if p.UseReranker {
		perLegK = p.TopK * 2
	}

	legs := make([]leg, len(variants))
	g, gctx := errgroup.WithContext(ctx)

	for i, v := range variants {
		i, v := i, v
		legs[i] = leg{variantIndex: i, weight: v.Weight}
		g.Go(func() error {
			vecResults, bm25Results, err := e.retrieveOne(gctx, v.Query, perLegK, p)
			if err != nil {
				return err
			}
			legs[i].vector = vecResults
			legs[i].bm25 = bm25Results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return legs, nil
}

// retrieveOne does the vector leg and (if hybrid) the BM25 leg for a
// single query variant, applying doc_ids filtering inside each leaf
// (spec.md §4.8 contract 3 forbids filtering after fusion).
func (e *Engine) retrieveOne(ctx context.Context, query string, topK int, p Params) ([]fusion.Candidate, []fusion.Candidate, error) {
	queryVec, err := e.Embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, nil, engineerr.Wrap(engineerr.ModelFailure, "orchestrator.retrieveOne", "embed failed", err)
	}

	vecResults, err := e.Store.Query(ctx, queryVec, topK, p.DocIDs)
	if err != nil {
		return nil, nil, engineerr.Wrap(engineerr.UpstreamUnavailable, "orchestrator.retrieveOne", "vector query failed", err)
	}
	vectorCandidates := make([]fusion.Candidate, len(vecResults))
	for i, r := range vecResults {
		vectorCandidates[i] = fusion.Candidate{ChunkID: r.ChunkID, Score: r.Similarity, Chunk: r.Payload}
	}

	var bm25Candidates []fusion.Candidate
	if p.UseHybrid {
		var docFilter map[string]struct{}
		if len(p.DocIDs) > 0 {
			docFilter = make(map[string]struct{}, len(p.DocIDs))
			for _, d := range p.DocIDs {
				docFilter[d] = struct{}{}
			}
		}
		bm25Results := e.Coord.SearchBM25(query, topK, docFilter)
		bm25Candidates = make([]fusion.Candidate, len(bm25Results))
		for i, r := range bm25Results {
			bm25Candidates[i] = fusion.Candidate{ChunkID: r.Chunk.ChunkID, Score: r.Score, Chunk: r.Chunk}
		}
	}

	return vectorCandidates, bm25Candidates, nil
}

// crossVariantRRFK mirrors fusion's own RRF smoothing constant for the
// cross-variant merge below, which needs its own rank-based accumulation
// (fusion.ReciprocalRankFusion only takes two input lists, not N).
const crossVariantRRFK = 60

// fuse combines every leg's vector+BM25 candidates. With a single variant
// it's a direct fusion call. With multiple variants (query expansion) each
// variant is fused independently first — producing one ranked, normalized
// list per variant — and those per-variant lists are then combined by a
// second rank-based RRF pass across variants, weighting each variant's
// rank contribution by its expansion weight (spec.md §4.8 contract 1).
// Weighting has to apply to this cross-variant rank contribution rather
// than to Candidate.Score: fusion.ReciprocalRankFusion's accumulator only
// ever reads list position, never a candidate's Score field (Score is kept
// only for similarity tie-breaking), so scaling Score before the default
// RRF fusion path would have no effect on the result at all.
func (e *Engine) fuse(legs []leg, p Params) []fusion.Candidate {
	sort.Slice(legs, func(i, j int) bool { return legs[i].variantIndex < legs[j].variantIndex })

	if len(legs) == 1 {
		return fuseOne(legs[0].vector, legs[0].bm25, p)
	}

	type accumulated struct {
		cand  fusion.Candidate
		score float64
	}
	acc := make(map[uuid.UUID]*accumulated)
	var order []uuid.UUID

	for _, l := range legs {
		variantFused := fuseOne(l.vector, l.bm25, p)
		for rank, c := range variantFused {
			a, ok := acc[c.ChunkID]
			if !ok {
				a = &accumulated{cand: c}
				acc[c.ChunkID] = a
				order = append(order, c.ChunkID)
			}
			a.score += l.weight / float64(crossVariantRRFK+rank+1)
		}
	}

	if len(order) == 0 {
		return []fusion.Candidate{}
	}

	raw := make([]float64, len(order))
	for i, id := range order {
		raw[i] = acc[id].score
	}
	norm := normalizer.MinMax(raw)

	out := make([]fusion.Candidate, len(order))
	for i, id := range order {
		c := acc[id].cand
		c.Score = norm[i]
		out[i] = c
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID.String() < out[j].ChunkID.String()
	})
	return out
}

// fuseOne routes to the configured fusion strategy. The vector-only path
// (use_hybrid=false) still runs its raw cosine scores through the same
// min-max normalizer fusion uses, so min_score means the same thing
// whether or not hybrid search is on (spec.md §4.5/§4.8).
func fuseOne(vector, bm25Cands []fusion.Candidate, p Params) []fusion.Candidate {
	if !p.UseHybrid {
		return normalizeCandidates(vector)
	}
	if p.UseRRF {
		return fusion.ReciprocalRankFusion(vector, bm25Cands)
	}
	return fusion.WeightedLinear(vector, bm25Cands, p.HybridAlpha)
}

func normalizeCandidates(cands []fusion.Candidate) []fusion.Candidate {
	if len(cands) == 0 {
		return cands
	}
	scores := make([]float64, len(cands))
	for i, c := range cands {
		scores[i] = c.Score
	}
	normScores := normalizer.MinMax(scores)

	out := make([]fusion.Candidate, len(cands))
	for i, c := range cands {
		c.Score = normScores[i]
		out[i] = c
	}
	return out
}

func candidatesToResults(cands []fusion.Candidate) []model.RetrievalResult {
	out := make([]model.RetrievalResult, len(cands))
	for i, c := range cands {
		out[i] = model.RetrievalResult{ChunkID: c.ChunkID, Score: c.Score, Payload: c.Chunk}
	}
	return out
}

// gate applies the confidence threshold (spec.md §4.8 contract 4-5): an
// empty candidate set or a sub-threshold top score both yield
// low_confidence=true, never an error.
func gate(sources []model.RetrievalResult, minScore float64) *model.AnswerEnvelope {
	if len(sources) == 0 {
		return &model.AnswerEnvelope{
			Sources:        []model.RetrievalResult{},
			RetrievedCount: 0,
			LowConfidence:  true,
		}
	}

	top := sources[0].Score
	lowConfidence := top < minScore

	env := &model.AnswerEnvelope{
		Sources:        sources,
		RetrievedCount: len(sources),
		LowConfidence:  lowConfidence,
	}
	if lowConfidence {
		env.TopScore = &top
		slog.Info("[orchestrator] low confidence gate tripped", "top_score", top, "min_score", minScore)
	}
	return env
}

// dedupeByDoc keeps only the first maxPerDoc occurrences of each source
// document, preserving relative order. Grounded on the teacher's
// retriever.deduplicate(ranked, maxPerDoc).
func dedupeByDoc(sources []model.RetrievalResult, maxPerDoc int) []model.RetrievalResult {
	docCount := make(map[string]int)
	out := make([]model.RetrievalResult, 0, len(sources))
	for _, r := range sources {
		docID := r.DocID()
		if docCount[docID] >= maxPerDoc {
			continue
		}
		docCount[docID]++
		out = append(out, r)
	}
	return out
}

func lowConfidencePartial(sources []model.RetrievalResult) *model.AnswerEnvelope {
	if sources == nil {
		sources = []model.RetrievalResult{}
	}
	var top *float64
	if len(sources) > 0 {
		top = &sources[0].Score
	}
	return &model.AnswerEnvelope{
		Sources:        sources,
		RetrievedCount: len(sources),
		LowConfidence:  true,
		TopScore:       top,
	}
}

// Package indexcoord sequences every mutation against the vector store and
// the BM25 index so the two never diverge (spec.md §4.9). Writes are
// serialized per corpus; readers of the BM25 index block only while a
// rebuild is in flight, but vector-only retrieval is never blocked.
package indexcoord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/connexus-ai/retrieval-engine/internal/bm25"
	"github.com/connexus-ai/retrieval-engine/internal/cache"
	"github.com/connexus-ai/retrieval-engine/internal/engineerr"
	"github.com/connexus-ai/retrieval-engine/internal/metrics"
	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/vectorstore"
)

// Coordinator owns the single BM25 index derived from a vector store and
// guarantees add/delete/rebuild never run concurrently with each other,
// and never expose a partially-rebuilt BM25 snapshot to a reader
// (spec.md §4.9 strategy (b)): readers hold the shared lock for each BM25
// search (SearchBM25), writers take the exclusive lock only for rebuild.
// The shared lock is not held across a whole retrieval pipeline, so the
// variants of one expanded query may see different index snapshots if a
// rebuild completes between their searches.
type Coordinator struct {
	store vectorstore.Store
	index *bm25.Index

	// writeMu serializes add/delete against the vector store — the single
	// logical writer per corpus (spec.md §5).
	writeMu sync.Mutex

	// rebuildMu is the read-write lock strategy (b) calls for: BM25 readers
	// take RLock around each search, rebuild takes Lock.
	rebuildMu sync.RWMutex

	metrics *metrics.Metrics

	// corpus/cache/redisCache let Add/Delete invalidate any cached query
	// results for this corpus once the corpus they served has changed
	// (SPEC_FULL.md §5.1) — unset by default, so a Coordinator built
	// without WithCache behaves exactly as before.
	corpus     string
	cache      *cache.QueryCache
	redisCache *cache.RedisTier
}

// New wraps store and index. index starts empty; callers typically call
// RebuildNow once at startup to populate it from store.
func New(store vectorstore.Store, index *bm25.Index) *Coordinator {
	return &Coordinator{store: store, index: index}
}

// WithMetrics attaches a Prometheus collector set; rebuild duration is
// reported only if this is set.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// WithCache attaches the query cache(s) this Coordinator's corpus feeds, so
// Add/Delete can invalidate stale cached results after a successful
// rebuild. corpus must match the namespace the orchestrator.Engine serving
// this corpus was built with via Engine.WithCorpus. redis may be nil.
func (c *Coordinator) WithCache(corpus string, qc *cache.QueryCache, redis *cache.RedisTier) *Coordinator {
	c.corpus = corpus
	c.cache = qc
	c.redisCache = redis
	return c
}

func (c *Coordinator) invalidateCache(ctx context.Context) {
	if c.cache == nil {
		return
	}
	corpus := c.corpus
	if corpus == "" {
		corpus = "default"
	}
	c.cache.InvalidateCorpus(corpus)
	if c.redisCache != nil {
		if err := c.redisCache.InvalidateCorpus(ctx, corpus); err != nil {
			slog.Warn("[indexcoord] redis cache invalidate failed", "error", err)
		}
	}
}

// Add upserts records to the vector store, then rebuilds the BM25 index
// from a fresh scroll (spec.md §4.9).
func (c *Coordinator) Add(ctx context.Context, records []model.VectorRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("indexcoord.Add: upsert: %w", err)
	}
	if err := c.rebuild(ctx); err != nil {
		return err
	}
	c.invalidateCache(ctx)
	return nil
}

// Delete removes every chunk for docID from the vector store, then rebuilds
// the BM25 index from a fresh scroll (spec.md §4.9). Skips the rebuild and
// cache invalidation entirely when docID matched nothing, since neither the
// index nor any cached result is stale in that case.
func (c *Coordinator) Delete(ctx context.Context, docID string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.store.DeleteWhere(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("indexcoord.Delete: delete: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.rebuild(ctx); err != nil {
		return n, err
	}
	c.invalidateCache(ctx)
	return n, nil
}

// rebuild scrolls the vector store, then takes the exclusive lock only while
// it replaces the BM25 index wholesale. Must be called with writeMu already
// held.
func (c *Coordinator) rebuild(ctx context.Context) error {
	chunks, err := c.store.Scroll(ctx)
	if err != nil {
		return fmt.Errorf("indexcoord.rebuild: scroll: %w", err)
	}

	start := time.Now()
	c.rebuildMu.Lock()
	c.index.Build(chunks)
	c.rebuildMu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveRebuild(start)
	}
	slog.Info("[indexcoord] rebuild complete", "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// SearchBM25 runs query against the BM25 index, blocking until any
// in-flight rebuild completes (spec.md §4.9's read-write discipline).
// Vector-only callers should use the Store directly instead of going
// through the Coordinator, since they are never blocked by a rebuild.
func (c *Coordinator) SearchBM25(query string, topK int, docIDs map[string]struct{}) []bm25.Result {
	c.rebuildMu.RLock()
	defer c.rebuildMu.RUnlock()
	return c.index.Search(query, topK, docIDs)
}

// Snapshot serializes the current BM25 index state, blocking until any
// in-flight rebuild completes.
func (c *Coordinator) Snapshot() ([]byte, error) {
	c.rebuildMu.RLock()
	defer c.rebuildMu.RUnlock()
	return c.index.Snapshot()
}

// Restore replaces the BM25 index from a snapshot blob, taking the
// exclusive lock. Returns an IndexCorrupt error if the blob is invalid.
func (c *Coordinator) Restore(data []byte) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	if err := c.index.Restore(data); err != nil {
		return engineerr.Wrap(engineerr.IndexCorrupt, "indexcoord.Restore", "snapshot decode failed", err)
	}
	return nil
}

// RebuildNow forces a full rebuild from the vector store outside of an
// add/delete call, e.g. at startup if no snapshot is available.
func (c *Coordinator) RebuildNow(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.rebuild(ctx)
}

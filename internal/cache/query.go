// Package cache provides in-memory caching of AnswerEnvelope results keyed
// by the full retrieval request shape, so identical queries against an
// unchanged corpus skip the pipeline entirely (SPEC_FULL.md §5.1: query
// result caching is an orchestrator-level optimization, not a retrieval
// semantics change).
package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// Request is the full shape of a cacheable retrieval request: every field
// that can change the pipeline's output. It mirrors orchestrator.Params
// field-for-field but is declared independently here, rather than imported,
// so this package doesn't import internal/orchestrator (which imports this
// package to use the cache) — keeping it a leaf package.
type Request struct {
	Corpus            string
	Query             string
	TopK              int
	DocIDs            []string
	UseHybrid         bool
	HybridAlpha       float64
	UseRRF            bool
	UseReranker       bool
	RerankBlending    string
	UseQueryExpansion bool
	ExpansionVariants int
	MinScore          float64
	MaxChunksPerDoc   int
}

// QueryCache caches an AnswerEnvelope by Request. Entries auto-expire after
// TTL; thread-safe via sync.RWMutex.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type cacheEntry struct {
	result    *model.AnswerEnvelope
	createdAt time.Time
	expiresAt time.Time
}

// New creates a QueryCache with the given TTL and starts background cleanup.
func New(ttl time.Duration) *QueryCache {
	c := &QueryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a cached AnswerEnvelope if present and not expired.
func (c *QueryCache) Get(req Request) (*model.AnswerEnvelope, bool) {
	key := cacheKey(req)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	slog.Info("[CACHE] hit", "corpus", req.Corpus, "age_ms", time.Since(entry.createdAt).Milliseconds())
	return entry.result, true
}

// Set stores an AnswerEnvelope in the cache.
func (c *QueryCache) Set(req Request, result *model.AnswerEnvelope) {
	key := cacheKey(req)
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &cacheEntry{result: result, createdAt: now, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	slog.Info("[CACHE] set", "corpus", req.Corpus, "ttl_s", int(c.ttl.Seconds()), "total_entries", c.Len())
}

// InvalidateCorpus removes every cached entry for corpus. Call this after
// any indexcoord.Add/Delete against that corpus, since the pipeline's
// output is no longer guaranteed to match what is cached.
func (c *QueryCache) InvalidateCorpus(corpus string) {
	prefix := "qc:" + corpus + ":"
	c.mu.Lock()
	count := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()

	if count > 0 {
		slog.Info("[CACHE] invalidated corpus", "corpus", corpus, "entries_removed", count)
	}
}

// Len returns the number of entries in the cache.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *QueryCache) Stop() {
	close(c.stopCh)
}

// cleanup removes expired entries every 5 minutes.
func (c *QueryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Info("[CACHE] cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

// cacheKey builds a deterministic key over the full request shape.
func cacheKey(req Request) string {
	docIDs := append([]string(nil), req.DocIDs...)
	sort.Strings(docIDs)

	raw := fmt.Sprintf("%s|%s|%d|%v|%v|%v|%v|%s|%v|%v|%v|%d",
		req.Query, strings.Join(docIDs, ","), req.TopK, req.UseHybrid, req.HybridAlpha,
		req.UseRRF, req.UseReranker, req.RerankBlending, req.UseQueryExpansion,
		req.ExpansionVariants, req.MinScore, req.MaxChunksPerDoc)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("qc:%s:%x", req.Corpus, h[:8])
}

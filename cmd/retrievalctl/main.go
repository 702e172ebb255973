// Command retrievalctl wires the retrieval engine together and exposes
// health/metrics endpoints, plus a one-shot CLI query mode for local
// development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connexus-ai/retrieval-engine/internal/bm25"
	"github.com/connexus-ai/retrieval-engine/internal/cache"
	"github.com/connexus-ai/retrieval-engine/internal/config"
	"github.com/connexus-ai/retrieval-engine/internal/indexcoord"
	"github.com/connexus-ai/retrieval-engine/internal/metrics"
	"github.com/connexus-ai/retrieval-engine/internal/orchestrator"
	"github.com/connexus-ai/retrieval-engine/internal/rerank"
	"github.com/connexus-ai/retrieval-engine/internal/vectorstore"
)

const Version = "0.1.0"

// defaultCorpus namespaces the query cache for this single-corpus binary.
// A deployment that serves multiple corpora would run one Engine/
// Coordinator pair per corpus, each with its own WithCorpus/WithCache name.
const defaultCorpus = "default"

func newRouter(reg *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, Version)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

func getPort(cfg *config.Config) string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return fmt.Sprintf("%d", cfg.MetricsPort)
}

// noopEmbedder exists only to satisfy the QueryEmbedder interface this
// binary wires when no real collaborator is configured (no cross-encoder or
// expansion LLM is wired at all); real deployments replace it with a
// model-backed implementation.
type noopEmbedder struct{ dim int }

func (n *noopEmbedder) EmbedOne(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, n.dim), nil
}

func run() error {
	queryFlag := flag.String("query", "", "run a single retrieval against the configured corpus and print the result as JSON, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("retrievalctl: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("retrievalctl: connect postgres: %w", err)
	}
	defer pool.Close()

	store := vectorstore.NewPGClient(pool)
	index := bm25.New()
	coord := indexcoord.New(store, index)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	coord = coord.WithMetrics(m)

	queryCache := cache.New(time.Duration(cfg.QueryCacheTTLSeconds) * time.Second)
	defer queryCache.Stop()
	var redisTier *cache.RedisTier
	if cfg.RedisAddr != "" {
		redisTier = cache.NewRedisTier(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      time.Duration(cfg.QueryCacheTTLSeconds) * time.Second,
		})
		defer redisTier.Close()
	}
	coord = coord.WithCache(defaultCorpus, queryCache, redisTier)

	if err := coord.RebuildNow(ctx); err != nil {
		slog.Warn("[retrievalctl] initial BM25 rebuild failed", "error", err)
	}

	engine := orchestrator.New(store, coord, &noopEmbedder{dim: cfg.VectorDimension}, nil, nil).
		WithMetrics(m).
		WithCorpus(defaultCorpus).
		WithCache(queryCache).
		WithRedisCache(redisTier)

	if *queryFlag != "" {
		// This binary wires no real cross-encoder/expansion-LLM collaborator
		// (see noopEmbedder above), so reranking and query expansion are
		// forced off regardless of cfg — enabling them without a real
		// Encoder/Expander would make Query return an InvalidArgument error.
		if cfg.UseReranker || cfg.UseQueryExpansion {
			slog.Warn("[retrievalctl] USE_RERANKER/USE_QUERY_EXPANSION ignored: no collaborator wired in this binary")
		}
		env, err := engine.Query(ctx, *queryFlag, orchestrator.Params{
			TopK:              cfg.TopK,
			UseHybrid:         cfg.UseHybrid,
			HybridAlpha:       cfg.HybridAlpha,
			UseRRF:            cfg.UseRRF,
			UseReranker:       false,
			RerankBlending:    rerank.Blending(cfg.RerankBlending),
			UseQueryExpansion: false,
			ExpansionVariants: cfg.ExpansionVariants,
			MinScore:          cfg.MinScore,
			MaxChunksPerDoc:   cfg.MaxChunksPerDoc,
			UseCache:          cfg.UseCache,
		})
		if err != nil {
			return fmt.Errorf("retrievalctl: query: %w", err)
		}
		out, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return fmt.Errorf("retrievalctl: marshal result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	port := getPort(cfg)
	router := newRouter(reg)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[retrievalctl] starting", "version", Version, "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("[retrievalctl] received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("retrievalctl: server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("retrievalctl: graceful shutdown failed: %w", err)
	}

	slog.Info("[retrievalctl] stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

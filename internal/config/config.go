// Package config loads the retrieval engine's tunables from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all engine configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	// Vector store (§6: "Persisted state").
	DatabaseURL      string
	DatabaseMaxConns int
	VectorDimension  int

	// Optional Redis-backed second cache tier.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BM25 snapshot (§6).
	BM25SnapshotDir string

	// Collaborator model names, passed through unchanged to whatever
	// concrete embedder/cross-encoder/LLM the caller wires in.
	EmbeddingModel    string
	CrossEncoderModel string

	// Orchestrator defaults (§4.8 table) — all overridable per request.
	TopK              int
	UseHybrid         bool
	HybridAlpha       float64
	UseRRF            bool
	UseReranker       bool
	RerankBlending    string
	UseQueryExpansion bool
	ExpansionVariants int
	MinScore          float64

	// SPEC_FULL.md §5 supplemented defaults — also overridable per request.
	UseCache        bool
	MaxChunksPerDoc int

	// Ambient.
	MetricsPort          int
	QueryCacheTTLSeconds int
}

// Load reads configuration from environment variables.
// DATABASE_URL is required; everything else defaults per spec.md §4.8/§6.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		VectorDimension:  envInt("VECTOR_DIMENSIONS", 384),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		BM25SnapshotDir: envStr("BM25_SNAPSHOT_DIR", "./data/bm25"),

		EmbeddingModel:    envStr("EMBEDDING_MODEL", "text-embedding-004"),
		CrossEncoderModel: envStr("CROSS_ENCODER_MODEL", "cross-encoder/ms-marco-MiniLM-L-6-v2"),

		TopK:              envInt("TOP_K", 10),
		UseHybrid:         envBool("USE_HYBRID", true),
		HybridAlpha:       envFloat("HYBRID_ALPHA", 0.5),
		UseRRF:            envBool("USE_RRF", true),
		UseReranker:       envBool("USE_RERANKER", true),
		RerankBlending:    envStr("RERANK_BLENDING", "position_aware"),
		UseQueryExpansion: envBool("USE_QUERY_EXPANSION", false),
		ExpansionVariants: envInt("EXPANSION_VARIANTS", 2),
		MinScore:          envFloat("MIN_SCORE", 0.3),

		UseCache:        envBool("USE_CACHE", true),
		MaxChunksPerDoc: envInt("MAX_CHUNKS_PER_DOC", 0),

		MetricsPort:          envInt("METRICS_PORT", 9090),
		QueryCacheTTLSeconds: envInt("QUERY_CACHE_TTL_SECONDS", 300),
	}

	if cfg.HybridAlpha < 0 || cfg.HybridAlpha > 1 {
		return nil, fmt.Errorf("config.Load: HYBRID_ALPHA must be in [0,1], got %v", cfg.HybridAlpha)
	}
	if cfg.RerankBlending != "position_aware" && cfg.RerankBlending != "replace" {
		return nil, fmt.Errorf("config.Load: RERANK_BLENDING must be 'position_aware' or 'replace', got %q", cfg.RerankBlending)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

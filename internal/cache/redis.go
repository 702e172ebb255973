package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// RedisConfig configures the optional second-tier cache. The tier is
// disabled by not constructing it: cmd/retrievalctl builds a RedisTier only
// when config.Config.RedisAddr is non-empty, and a nil *RedisTier leaves
// QueryCache as the only tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisTier is an optional, shared second-tier cache backing QueryCache:
// a single process's in-memory cache is lost on restart and isn't shared
// across replicas, so a corpus with many reader processes can point them
// all at the same Redis instance instead.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier creates a RedisTier from config.
func NewRedisTier(cfg RedisConfig) *RedisTier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "retrieval-engine:qc:"
	}
	return &RedisTier{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Get returns a cached AnswerEnvelope if present.
func (r *RedisTier) Get(ctx context.Context, req Request) (*model.AnswerEnvelope, bool, error) {
	key := r.prefix + cacheKey(req)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache.RedisTier.Get: %w", err)
	}

	var env model.AnswerEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, false, fmt.Errorf("cache.RedisTier.Get: unmarshal: %w", err)
	}
	return &env, true, nil
}

// Set stores an AnswerEnvelope in Redis with the tier's TTL.
func (r *RedisTier) Set(ctx context.Context, req Request, env *model.AnswerEnvelope) error {
	key := r.prefix + cacheKey(req)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache.RedisTier.Set: marshal: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache.RedisTier.Set: %w", err)
	}
	return nil
}

// InvalidateCorpus deletes every cached key under corpus's prefix.
func (r *RedisTier) InvalidateCorpus(ctx context.Context, corpus string) error {
	pattern := r.prefix + "qc:" + corpus + ":*"
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache.RedisTier.InvalidateCorpus: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache.RedisTier.InvalidateCorpus: del: %w", err)
	}
	return nil
}

// Ping verifies Redis is reachable.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
